// Package caresync is an offline-first synchronization engine for care-visit
// coordination apps. It keeps a local SQLite cache of visits, tasks,
// observations and reference records, accepts mutations while offline by
// queueing them in a durable outbox, and drains the outbox against the
// remote care-record service when connectivity allows.
//
// The engine is an embedded library: the host app constructs one with New,
// starts it with Start, and reads and writes through it instead of talking
// to the network directly.
//
//	eng, err := caresync.New(caresync.Options{
//		DBPath:        "/data/caresync.db",
//		RemoteBaseURL: "https://records.example.com",
//		APIKey:        apiKey,
//		ScopeID:       caregiverID,
//	})
//	if err != nil { ... }
//	defer eng.Stop()
//	eng.Start(ctx)
//
// All writes are optimistic: they land in the cache immediately and reach
// the server later. Conflicts resolve remote-wins, with the overwritten
// local state kept in an audit log.
package caresync
