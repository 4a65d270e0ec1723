package model

import (
	"encoding/json"
)

// UnknownVendor is used whenever no vendor could be read from a document.
const UnknownVendor = "Unknown Vendor"

// LineItem is a single parsed line of a vendor document. The extractor does
// not produce any yet; the field exists so stored data keeps its shape.
type LineItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity,omitempty"`
	Amount      string `json:"amount,omitempty"`
}

// ExtractedData is the best-effort structure guessed from a proforma document.
// Nothing in it is authoritative. Unknown keys found when decoding are kept in
// Extra and written back on encode.
type ExtractedData struct {
	Vendor         string         `json:"vendor"`
	Items          []LineItem     `json:"items"`
	TotalDetected  *string        `json:"total_detected,omitempty"`
	RawTextPreview string         `json:"raw_text_preview"`
	Error          *string        `json:"error,omitempty"`
	Extra          map[string]any `json:"-"`
}

var extractedDataKeys = map[string]struct{}{
	"vendor":           {},
	"items":            {},
	"total_detected":   {},
	"raw_text_preview": {},
	"error":            {},
}

// VendorOrDefault returns the detected vendor, or UnknownVendor when there is none.
func (d ExtractedData) VendorOrDefault() string {
	if d.Vendor == "" {
		return UnknownVendor
	}
	return d.Vendor
}

// Failed reports whether extraction recorded an error.
func (d ExtractedData) Failed() bool {
	return d.Error != nil
}

func (d ExtractedData) MarshalJSON() ([]byte, error) {
	type plain ExtractedData
	p := plain(d)
	if p.Items == nil {
		p.Items = []LineItem{}
	}
	base, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]any, len(d.Extra)+len(extractedDataKeys))
	for k, v := range d.Extra {
		if _, known := extractedDataKeys[k]; !known {
			merged[k] = v
		}
	}
	var fields map[string]any
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (d *ExtractedData) UnmarshalJSON(data []byte) error {
	type plain ExtractedData
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range extractedDataKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}

	*d = ExtractedData(p)
	return nil
}
