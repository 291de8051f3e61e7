// Package session owns the per-tenant connection lifecycle.
//
// Invariants:
// - The Registry never holds two handles for one tenant; concurrent starts share the first handle.
// - Events of one handle are observed in the order its network client emitted them.
// - A handle that reports a disconnection is removed from the Registry before the event is pushed.
// - The pairing artifact is set by each pairing challenge and cleared on CONNECTED or removal.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.ManagerOptions{
//		Factory:     bridge.NewFactory(bridge.Options{URL: "ws://127.0.0.1:7070/ws"}),
//		Credentials: store,
//		Router:      session.NewRouter(hub, logger),
//		Dispatcher:  dispatcher,
//		Logger:      logger,
//	})
//	h, _ := mgr.StartSession(ctx, "u1")
//	_ = h.State()
package session
