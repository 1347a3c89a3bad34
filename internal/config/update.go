package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rileyhilliard/sshutil/internal/errors"
	"gopkg.in/yaml.v3"
)

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := encode(cfg)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, "Couldn't encode config", "")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't create config directory "+filepath.Dir(path),
			"Check directory permissions")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't write config file "+path,
			"Check file permissions")
	}
	return nil
}

// AddHost adds or replaces hosts.<name> in the config file at path.
// It preserves the existing YAML structure and comments.
func AddHost(configPath, name string, h Host) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("invalid YAML document structure")
	}
	docNode := root.Content[0]
	if docNode.Kind != yaml.MappingNode {
		return fmt.Errorf("expected mapping at document root")
	}

	hostsNode := findMapValue(docNode, "hosts")
	if hostsNode == nil || hostsNode.Kind != yaml.MappingNode {
		// "hosts:" with no entries decodes as a null scalar
		if hostsNode != nil {
			*hostsNode = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		} else {
			hostsNode = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			docNode.Content = append(docNode.Content, scalar("hosts"), hostsNode)
		}
	}

	var hostNode yaml.Node
	if err := hostNode.Encode(h); err != nil {
		return fmt.Errorf("failed to encode host: %w", err)
	}

	if existing := findMapValue(hostsNode, name); existing != nil {
		// Keep the comments attached to the old entry.
		hostNode.HeadComment = existing.HeadComment
		hostNode.LineComment = existing.LineComment
		*existing = hostNode
	} else {
		hostsNode.Content = append(hostsNode.Content, scalar(name), &hostNode)
	}

	out, err := encode(&root)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// findMapValue finds a value in a mapping node by key name.
func findMapValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i < len(node.Content)-1; i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]

		if keyNode.Kind == yaml.ScalarNode && keyNode.Value == key {
			return valueNode
		}
	}

	return nil
}
