// Package shutdown stops the service's components in phases.
//
// Handlers are registered with a phase; lower phases stop first and the
// handlers of one phase stop concurrently. The service uses four phases:
//
//	PhaseIngress    stop accepting artifact events over HTTP
//	PhaseConsumers  stop queue consumers and the requeue sweeper, letting
//	                in-flight messages finish or return to the queue
//	PhaseClients    close the record store, bus and platform clients
//	PhaseTelemetry  flush and stop trace export
//
// A SIGTERM or SIGINT starts the shutdown with the configured timeout:
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 30 * time.Second, Logger: logger})
//	coord.RegisterFunc("http", shutdown.PhaseIngress, srv.Shutdown)
//	coord.RegisterFunc("store", shutdown.PhaseClients, func(context.Context) error { return store.Close() })
//	coord.HandleSignals()
//	<-coord.Done()
package shutdown
