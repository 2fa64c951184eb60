package models

import "strings"

// Family identifies a database or storage product
type Family string

const (
	FamilyPostgreSQL Family = "postgresql"
	FamilyMySQL      Family = "mysql"
	FamilyMongoDB    Family = "mongodb"
	FamilySQLServer  Family = "sqlserver"
	FamilyOracle     Family = "oracle"
	FamilyDB2        Family = "db2"
	FamilySnowflake  Family = "snowflake"
	FamilyS3         Family = "s3"
	FamilyGCS        Family = "gcs"
)

// TargetShape describes how rows are landed in a target
type TargetShape string

const (
	ShapeRelational  TargetShape = "relational"
	ShapeObjectStore TargetShape = "object_store"
	ShapeEnvelope    TargetShape = "envelope"
)

// FamilyTraits are static properties of a family that drive orchestration decisions
type FamilyTraits struct {
	// SupportsNoSnapshot is true when the capture connector can stream without reading schema first
	SupportsNoSnapshot bool
	// AllowsSyntheticOffset permits a wall-clock fallback token when no position can be read
	AllowsSyntheticOffset bool
	// UpperCaseTopics selects upper-case schema/table segments in generated topic names
	UpperCaseTopics bool
	// Shape is how a target of this family receives rows
	Shape TargetShape
}

var familyTraits = map[Family]FamilyTraits{
	FamilyPostgreSQL: {SupportsNoSnapshot: true, Shape: ShapeRelational},
	FamilyMySQL:      {Shape: ShapeRelational},
	FamilyMongoDB:    {SupportsNoSnapshot: true, Shape: ShapeRelational},
	FamilySQLServer:  {Shape: ShapeRelational},
	FamilyOracle:     {AllowsSyntheticOffset: true, UpperCaseTopics: true, Shape: ShapeRelational},
	FamilyDB2:        {AllowsSyntheticOffset: true, UpperCaseTopics: true, Shape: ShapeRelational},
	FamilySnowflake:  {UpperCaseTopics: true, Shape: ShapeEnvelope},
	FamilyS3:         {Shape: ShapeObjectStore},
	FamilyGCS:        {Shape: ShapeObjectStore},
}

// ParseFamily normalizes common aliases ("postgres", "mssql", ...)
func ParseFamily(raw string) (Family, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "postgres", "pg", "postgresql":
		return FamilyPostgreSQL, true
	case "mysql", "mariadb":
		return FamilyMySQL, true
	case "mongo", "mongodb":
		return FamilyMongoDB, true
	case "mssql", "sqlserver", "sql_server":
		return FamilySQLServer, true
	case "oracle":
		return FamilyOracle, true
	case "db2", "as400", "db2i":
		return FamilyDB2, true
	case "snowflake":
		return FamilySnowflake, true
	case "s3", "aws_s3":
		return FamilyS3, true
	case "gcs", "google_cloud_storage":
		return FamilyGCS, true
	}
	return Family(s), false
}

// Traits returns the static traits of the family
func (f Family) Traits() FamilyTraits {
	if t, ok := familyTraits[f]; ok {
		return t
	}
	return FamilyTraits{Shape: ShapeRelational}
}

func (f Family) String() string { return string(f) }
