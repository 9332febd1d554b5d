package offline0

import "net/http"

// Transport puts a registration in front of an http.Client. Requests the
// worker does not intercept go to Base untouched.
//
// The worker's own Network must not be built on a client using this
// Transport, or every fetch would loop back into the worker.
type Transport struct {
	Registration *Registration
	Base         http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	res := t.Registration.Fetch(req.Context(), req)
	if res.Outcome == OutcomePassthrough {
		return t.base().RoundTrip(req)
	}
	if req.Body != nil {
		_ = req.Body.Close()
	}
	resp := res.Response.HTTPResponse(req)
	resp.Header.Set(outcomeHeader, string(res.Outcome))
	return resp, nil
}
