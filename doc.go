/*
// Package forgekit provisions ephemeral, seeded PostgreSQL instances for
// integration tests and hands out isolated sessions against them.
//
// Use NewForgeKit to create instances. The returned value satisfies the Kit
// interface, which defines the primary user-facing methods.

// It manages the full lifecycle of a test database so individual tests do
// not have to:
//
//   - Building a seeded database image and running it in a container, or
//     starting an embedded PostgreSQL server, or adopting an external one.
//   - Polling the instance until it actually answers queries before any
//     test code touches it.
//   - Issuing isolated sessions per test, restored to the seeded baseline
//     between tests (by truncation or by a throwaway database).
//   - Applying schema migrations (e.g., using Atlas or custom migrators).
//   - Providing standard `*sql.DB` and `*pgxpool.Pool` connection pools.
//   - Handling automatic resource cleanup when used with `*testing.T`.

Example Usage (within a test function):

	func TestMyFeature(t *testing.T) {
		ctx := context.Background()
		// Configure ForgeKit (e.g., seed image build context)
		opts := []config.Option{
			// ... your options, e.g., atlas.WithAtlas()
		}
		k, err := forgekit.NewForgeKit(ctx, t, config.DefaultConfig(), opts...) // Pass t for auto-cleanup
		if err != nil {
			t.Fatalf("Failed to initialize ForgeKit: %v", err)
		}
		// k.Cleanup() is automatically called via t.Cleanup()

		// Run a test body against a clean session
		k.Run(ctx, t, func(ctx context.Context, s *session.Session) error {
			// Your test logic using s.Pool() or s.DB()
			// The session is reset to the seeded baseline on Close.
			return nil // Return error if something goes wrong
		})
	}
*/
package forgekit
