// Package versioned manages the edit history of a single value and its
// persisted save points.
//
// # Managers
//
// Manager keeps bounded undo/redo history in memory:
//
//	m := versioned.New(Plan{}, versioned.WithMaxHistory[Plan](100))
//	m.Set(next)
//	m.Update(func(p Plan) Plan { p.Weeks++; return p })
//	m.Undo()
//
// Persistent adds save points. Every changing edit restarts a quiet-period
// timer; when it elapses the present is handed to the Backend. Undo and redo
// never save. RestoreVersion installs a previously saved value as a new
// branch point without saving it again.
//
//	store, _ := sqlstore.Open("plans.db")
//	backend := versioned.NewStoreBackend[Plan](store, snapshot.Key{Domain: "plan", EntityID: id}, nil)
//	p := versioned.NewPersistent(Plan{}, backend, versioned.WithDebounce[Plan](2*time.Second))
//	defer p.Close()
//	_ = p.Load(ctx)
//
// # Status
//
// A Persistent manager is Clean when the present equals the last persisted
// value, Dirty when it differs, and Persisting while a save is in flight.
// A failed save leaves the present untouched and is reported through
// LastError and a CauseSaveFailed event. It is not retried automatically;
// a later edit or Retry re-attempts it.
package versioned
