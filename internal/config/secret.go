package config

// redacted replaces secret material in every rendered form of the config.
const redacted = "[REDACTED]"

// Secret holds credential material loaded from config. Every textual
// rendering, fmt verbs included, masks the value; callers that need the raw
// string convert explicitly with string(s).
type Secret string

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString masks %#v output.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"` + redacted + `"`
}

// MarshalYAML masks the value when the config is dumped back to YAML.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

// MarshalJSON masks the value in JSON renderings of the config.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
