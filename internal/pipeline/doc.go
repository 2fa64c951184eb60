// Package pipeline drives a CDC pipeline through its lifecycle. The
// Orchestrator owns the state machine behind start, stop, pause and status,
// and composes the full-load coordinator with the connector reconciler so the
// handoff from bulk copy to streaming neither loses nor duplicates rows.
//
// # Overview
//
// A start call runs these phases in order, skipping any that are not needed:
//   - schema: create the target schema and tables when auto_create_target is set
//   - full_load: copy existing rows and capture the source offset
//   - source_connector: ensure the capture connector with the decided snapshot mode
//   - topics: discover the table topics the capture connector produces
//   - sink_connector: ensure the sink bound to exactly those topics
//
// Every transition is persisted through a tolerant write. A failed write never
// fails the call; it is reported as a persistence warning and corrected by the
// self-healing read in Status.
//
// # Basic Usage
//
//	orch, err := pipeline.NewOrchestrator(pipeline.Dependencies{
//	    Store:        st,
//	    Control:      connectClient,
//	    Reconciler:   reconciler.New(connectClient, configgen.NewGenerator(cfg.Kafka), lister, reconciler.OptionsFrom(cfg.Reconciler), logger),
//	    Coordinator:  coordinator,
//	    Schema:       schemasync.NewService(logger),
//	    Capabilities: registry.GetRegistry(),
//	    Logger:       logger,
//	})
//
//	res, err := orch.Start(ctx, "orders-replica")
//	if err != nil {
//	    var e *errors.Error
//	    if errors.As(err, &e) {
//	        log.Printf("phase %s failed after %v rows", e.Phase(), e.Detail(errors.DetailRowsProcessed))
//	    }
//	}
//
// # Re-entrancy
//
// Start is safe to call again after a failure or on a running pipeline. A
// completed full load is never repeated and its offset token is kept, and live
// connectors are reused rather than recreated.
package pipeline
