package engine

import "errors"

// These sentinels classify why an execution did not succeed. The engine
// and scheduler put their text at the start of Result.Error; the API
// boundary matches ErrValidation and ErrServiceShuttingDown with
// errors.Is to pick an HTTP status. Script failures (non-zero exit) are
// not errors at all, just a Result with Success=false and Error=nil.
var (
	ErrValidation          = errors.New("validation error")
	ErrImageResolve        = errors.New("image resolve error")
	ErrImagePull           = errors.New("image pull error")
	ErrSandboxCreation     = errors.New("sandbox creation error")
	ErrPoolExhausted       = errors.New("pool exhausted")
	ErrExecutionTimeout    = errors.New("execution timeout")
	ErrRuntimeAPI          = errors.New("runtime api error")
	ErrServiceShuttingDown = errors.New("service shutting down")
)
