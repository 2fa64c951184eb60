package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/nebula-cdc/pkg/capability"
	"github.com/ajitpratap0/nebula-cdc/pkg/models"
)

// FakeTable is a source table held in memory
type FakeTable struct {
	Columns []capability.Column
	Rows    [][]interface{}
	// PageErr fails every page read of the table
	PageErr error
	// CountErr fails CountRows for the table
	CountErr error
}

// FakeSource is an in-memory capability.Source
type FakeSource struct {
	mu sync.Mutex

	FamilyName  models.Family
	Tables      map[string]*FakeTable
	Position    string
	PositionErr error

	PageCalls     int
	PositionCalls int
	Closed        bool
}

// NewFakeSource creates a source of the given family
func NewFakeSource(family models.Family) *FakeSource {
	return &FakeSource{FamilyName: family, Tables: make(map[string]*FakeTable)}
}

// AddTable registers a table with integer id plus name columns and n rows
func (s *FakeSource) AddTable(ref capability.TableRef, n int) *FakeTable {
	t := &FakeTable{
		Columns: []capability.Column{
			{Name: "id", DataType: "bigint", PrimaryKey: true, Position: 1},
			{Name: "name", DataType: "text", Nullable: true, Position: 2},
		},
	}
	for i := 1; i <= n; i++ {
		t.Rows = append(t.Rows, []interface{}{int64(i), fmt.Sprintf("row-%d", i)})
	}
	s.mu.Lock()
	s.Tables[ref.String()] = t
	s.mu.Unlock()
	return t
}

func (s *FakeSource) table(ref capability.TableRef) (*FakeTable, error) {
	t, ok := s.Tables[ref.String()]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", ref)
	}
	return t, nil
}

func (s *FakeSource) Family() models.Family { return s.FamilyName }

func (s *FakeSource) ExtractSchema(_ context.Context, ref capability.TableRef) (*capability.TableSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(ref)
	if err != nil {
		return nil, err
	}
	return &capability.TableSchema{Table: ref, Columns: append([]capability.Column(nil), t.Columns...)}, nil
}

func (s *FakeSource) ExtractDataPage(ctx context.Context, ref capability.TableRef, limit, offset int) (*capability.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PageCalls++
	t, err := s.table(ref)
	if err != nil {
		return nil, err
	}
	if t.PageErr != nil {
		return nil, t.PageErr
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
	}
	if offset >= len(t.Rows) {
		return &capability.Page{Columns: cols}, nil
	}
	end := offset + limit
	if end > len(t.Rows) {
		end = len(t.Rows)
	}
	rows := make([][]interface{}, 0, end-offset)
	for _, r := range t.Rows[offset:end] {
		rows = append(rows, append([]interface{}(nil), r...))
	}
	return &capability.Page{Columns: cols, Rows: rows, HasMore: end < len(t.Rows)}, nil
}

func (s *FakeSource) ExtractCurrentPosition(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PositionCalls++
	return s.Position, s.PositionErr
}

func (s *FakeSource) ValidateHasData(_ context.Context, ref capability.TableRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(ref)
	if err != nil {
		return false, err
	}
	return len(t.Rows) > 0, nil
}

func (s *FakeSource) CountRows(_ context.Context, ref capability.TableRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(ref)
	if err != nil {
		return 0, err
	}
	if t.CountErr != nil {
		return 0, t.CountErr
	}
	return int64(len(t.Rows)), nil
}

func (s *FakeSource) Close(context.Context) error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	return nil
}

// FakeRelationalTarget is an in-memory capability.RelationalTarget
type FakeRelationalTarget struct {
	mu sync.Mutex

	FamilyName models.Family
	Rows       map[string][][]interface{}
	Schemas    []string
	Created    []string

	// PreExisting adds rows to CountRows without them being written
	PreExisting map[string]int64
	// DropWrites accepts writes for a table without storing them
	DropWrites map[string]bool
	WriteErr   map[string]error
	CountErr   map[string]error
	CreateErr  error
}

// NewFakeRelationalTarget creates an empty relational target
func NewFakeRelationalTarget(family models.Family) *FakeRelationalTarget {
	return &FakeRelationalTarget{
		FamilyName:  family,
		Rows:        make(map[string][][]interface{}),
		PreExisting: make(map[string]int64),
		DropWrites:  make(map[string]bool),
		WriteErr:    make(map[string]error),
		CountErr:    make(map[string]error),
	}
}

func (t *FakeRelationalTarget) Family() models.Family     { return t.FamilyName }
func (t *FakeRelationalTarget) Shape() models.TargetShape { return models.ShapeRelational }
func (t *FakeRelationalTarget) Close(context.Context) error {
	return nil
}

func (t *FakeRelationalTarget) CreateSchema(_ context.Context, schema string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Schemas = append(t.Schemas, schema)
	return nil
}

func (t *FakeRelationalTarget) CreateTable(_ context.Context, ref capability.TableRef, _ *capability.TableSchema) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CreateErr != nil {
		return t.CreateErr
	}
	t.Created = append(t.Created, ref.String())
	return nil
}

func (t *FakeRelationalTarget) WritePage(_ context.Context, ref capability.TableRef, page *capability.Page) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ref.String()
	if err := t.WriteErr[key]; err != nil {
		return 0, err
	}
	if !t.DropWrites[key] {
		t.Rows[key] = append(t.Rows[key], page.Rows...)
	}
	return int64(page.Len()), nil
}

func (t *FakeRelationalTarget) CountRows(_ context.Context, ref capability.TableRef) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ref.String()
	if err := t.CountErr[key]; err != nil {
		return 0, err
	}
	return int64(len(t.Rows[key])) + t.PreExisting[key], nil
}

// TotalRows returns the number of rows written across all tables
func (t *FakeRelationalTarget) TotalRows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rows := range t.Rows {
		n += len(rows)
	}
	return n
}

// FakeObjectStore is an in-memory capability.ObjectStore
type FakeObjectStore struct {
	mu sync.Mutex

	FamilyName   models.Family
	PrefixValue  string
	Objects      map[string][]byte
	ContentTypes map[string]string
	PutErr       error
	// Lose makes ObjectExists report false for every key
	Lose bool
}

// NewFakeObjectStore creates an empty object store
func NewFakeObjectStore(family models.Family, prefix string) *FakeObjectStore {
	return &FakeObjectStore{
		FamilyName:   family,
		PrefixValue:  prefix,
		Objects:      make(map[string][]byte),
		ContentTypes: make(map[string]string),
	}
}

func (o *FakeObjectStore) Family() models.Family     { return o.FamilyName }
func (o *FakeObjectStore) Shape() models.TargetShape { return models.ShapeObjectStore }
func (o *FakeObjectStore) Close(context.Context) error {
	return nil
}
func (o *FakeObjectStore) Prefix() string { return o.PrefixValue }

func (o *FakeObjectStore) PutObject(_ context.Context, key string, body []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PutErr != nil {
		return o.PutErr
	}
	o.Objects[key] = append([]byte(nil), body...)
	o.ContentTypes[key] = contentType
	return nil
}

func (o *FakeObjectStore) ObjectExists(_ context.Context, key string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Lose {
		return false, nil
	}
	_, ok := o.Objects[key]
	return ok, nil
}

// Keys returns the stored object keys in sorted order
func (o *FakeObjectStore) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.Objects))
	for k := range o.Objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FakeEnvelopeTarget is an in-memory capability.EnvelopeTarget
type FakeEnvelopeTarget struct {
	mu sync.Mutex

	FamilyName models.Family
	Envelopes  map[string][]*capability.Envelope
	Created    []string
	InsertErr  error
}

// NewFakeEnvelopeTarget creates an empty envelope target
func NewFakeEnvelopeTarget(family models.Family) *FakeEnvelopeTarget {
	return &FakeEnvelopeTarget{FamilyName: family, Envelopes: make(map[string][]*capability.Envelope)}
}

func (e *FakeEnvelopeTarget) Family() models.Family     { return e.FamilyName }
func (e *FakeEnvelopeTarget) Shape() models.TargetShape { return models.ShapeEnvelope }
func (e *FakeEnvelopeTarget) Close(context.Context) error {
	return nil
}

func (e *FakeEnvelopeTarget) CreateEnvelopeTable(_ context.Context, ref capability.TableRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Created = append(e.Created, ref.String())
	return nil
}

func (e *FakeEnvelopeTarget) InsertEnvelope(_ context.Context, ref capability.TableRef, env *capability.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InsertErr != nil {
		return e.InsertErr
	}
	e.Envelopes[ref.String()] = append(e.Envelopes[ref.String()], env)
	return nil
}

func (e *FakeEnvelopeTarget) CountRows(_ context.Context, ref capability.TableRef) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.Envelopes[ref.String()])), nil
}

var (
	_ capability.Source           = (*FakeSource)(nil)
	_ capability.RelationalTarget = (*FakeRelationalTarget)(nil)
	_ capability.ObjectStore      = (*FakeObjectStore)(nil)
	_ capability.EnvelopeTarget   = (*FakeEnvelopeTarget)(nil)
)
