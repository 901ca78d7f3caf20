package config

import (
	"bytes"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/v2"
)

// tomlParser adapts BurntSushi/toml to koanf.Parser.
type tomlParser struct{}

// TOMLParser returns a koanf parser for TOML documents.
func TOMLParser() koanf.Parser {
	return tomlParser{}
}

func (tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
