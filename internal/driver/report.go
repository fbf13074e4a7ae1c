package driver

type Result struct {
	Name   string
	Status Status
	Passed bool
	Detail string
	Calls  int
}

type Report struct {
	Results []Result
}

// Passed is true when every driver finished and no Done driver failed its verdict.
// NotRun drivers do not fail the report.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		switch res.Status {
		case Done:
			if !res.Passed {
				return false
			}
		case NotRun:
		default:
			return false
		}
	}
	return true
}

func (r *Report) NotRun() []Result {
	return r.filter(func(res Result) bool { return res.Status == NotRun })
}

func (r *Report) Failed() []Result {
	return r.filter(func(res Result) bool { return res.Status != NotRun && !res.Passed })
}

func (r *Report) filter(f func(Result) bool) []Result {
	var rs []Result
	for _, res := range r.Results {
		if f(res) {
			rs = append(rs, res)
		}
	}
	return rs
}
