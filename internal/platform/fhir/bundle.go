package fhir

import "encoding/json"

// Bundle is a FHIR Bundle. Timestamp is pre-rendered so that marshalling is
// independent of the process time zone.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewTransaction returns an empty transaction bundle.
func NewTransaction(id, timestamp string) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         "transaction",
		Timestamp:    timestamp,
	}
}

// AddEntry marshals resource and appends it as a POST entry.
func (b *Bundle) AddEntry(fullURL, resourceType string, resource interface{}) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	b.Entry = append(b.Entry, BundleEntry{
		FullURL:  fullURL,
		Resource: raw,
		Request:  &BundleRequest{Method: "POST", URL: resourceType},
	})
	return nil
}

// ResourceTypes lists the resourceType of every entry in order.
func (b *Bundle) ResourceTypes() []string {
	out := make([]string, 0, len(b.Entry))
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		_ = json.Unmarshal(e.Resource, &head)
		out = append(out, head.ResourceType)
	}
	return out
}
