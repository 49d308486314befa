package orchestration

import (
	"github.com/itsneelabh/labelagent/pkg/placeholder"
	"github.com/itsneelabh/labelagent/pkg/plan"
)

// stepTemplate holds the parsed path and query templates of one step
type stepTemplate struct {
	path  *placeholder.Template
	query map[string]*placeholder.Template
}

func compileStep(step plan.Step) (*stepTemplate, error) {
	path, err := placeholder.Parse(step.PathTemplate)
	if err != nil {
		return nil, err
	}
	st := &stepTemplate{path: path}
	if len(step.QueryParameters) > 0 {
		st.query = make(map[string]*placeholder.Template, len(step.QueryParameters))
		for _, key := range step.QueryKeys() {
			t, err := placeholder.Parse(step.QueryParameters[key])
			if err != nil {
				return nil, err
			}
			st.query[key] = t
		}
	}
	return st, nil
}

// resolve produces the concrete request. Query values resolve to plain
// strings; encoding is the invoker's concern.
func (st *stepTemplate) resolve(step plan.Step, lookup placeholder.Lookup) (Request, error) {
	path, err := st.path.Resolve(lookup)
	if err != nil {
		return Request{}, err
	}
	req := Request{Method: step.NormalizedMethod(), Path: path}
	if len(st.query) > 0 {
		req.QueryParameters = make(map[string]string, len(st.query))
		for _, key := range step.QueryKeys() {
			v, err := st.query[key].Resolve(lookup)
			if err != nil {
				return Request{}, err
			}
			req.QueryParameters[key] = v
		}
	}
	return req, nil
}
