package ckptstore

import (
	"io"

	"gopkg.in/yaml.v3"
)

func writeManifestYAML(w io.Writer, m Manifest) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(m)
}

func parseManifestYAML(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
