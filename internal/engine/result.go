package engine

// Result is the literal outcome of one script execution, returned
// verbatim to the caller.
type Result struct {
	Success       bool    `json:"success"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	Error         *string `json:"error"`
}

func errorResult(errMsg string, elapsed float64) Result {
	msg := errMsg
	return Result{
		Success:       false,
		ExitCode:      -1,
		ExecutionTime: elapsed,
		Error:         &msg,
	}
}
