package chain

import "context"

// Initializer may be implemented by a stage state that needs a setup step
// after it was created. Setup runs while the chain is being armed, before any
// worker of the stage starts. A Setup error aborts Run.
type Initializer interface {
	Setup(ctx context.Context) error
}

// Closer may be implemented by a stage state that must release resources when
// the run ends. Close runs after all workers of the stage returned, before the
// State destructor.
type Closer interface {
	Close(ctx context.Context) error
}

// HealthCheckable may be implemented by a stage state that can report its
// operational health. Chain.HealthCheck calls it under the stage mutex.
type HealthCheckable interface {
	HealthStatus(ctx context.Context) error
}

func setupState(ctx context.Context, state any) error {
	if in, ok := state.(Initializer); ok {
		return in.Setup(ctx)
	}
	return nil
}

func closeState(ctx context.Context, state any) error {
	if c, ok := state.(Closer); ok {
		return c.Close(ctx)
	}
	return nil
}
