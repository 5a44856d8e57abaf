package metrics

import "net/http"

// HubRoundTripper counts the registry requests sent through it.
type HubRoundTripper struct {
	Transport http.RoundTripper
	Registry  *Registry
}

// NewHubClient returns a copy of httpClient whose requests are counted.
func (r *Registry) NewHubClient(httpClient *http.Client) *http.Client {
	client := *httpClient
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}
	client.Transport = &HubRoundTripper{Transport: client.Transport, Registry: r}
	return &client
}

func (h *HubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := h.Transport.RoundTrip(req)
	if err != nil {
		h.Registry.countHub(req.Method, 0)
		return nil, err
	}
	h.Registry.countHub(req.Method, resp.StatusCode)
	return resp, nil
}
