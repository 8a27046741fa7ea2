// Package inventory loads MOP snapshots and server lists from YAML (or JSON) files.
//
// Secrets are never written into inventory files directly: credential fields
// may reference environment variables as ${NAME}, and private keys may be
// read from a file.
package inventory

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"mopplane/pkg/mop"

	"gopkg.in/yaml.v3"
)

// credential is the file form of mop.Credential.
type credential struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Passphrase     string `yaml:"passphrase"`
}

type server struct {
	Host       string         `yaml:"host"`
	Port       int            `yaml:"port"`
	Name       string         `yaml:"name"`
	Transport  mop.Transport  `yaml:"transport"`
	Escalation mop.Escalation `yaml:"escalation"`
	Admin      *credential    `yaml:"admin"`
	Root       *credential    `yaml:"root"`
}

// file is the inventory document. Defaults fill fields a server leaves unset.
type file struct {
	Defaults server   `yaml:"defaults"`
	Servers  []server `yaml:"servers"`
}

// LoadMOP reads a MOP snapshot.
func LoadMOP(path string) (mop.MOP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mop.MOP{}, fmt.Errorf("failed to read MOP file: %w", err)
	}
	return ParseMOP(data)
}

// ParseMOP decodes a MOP snapshot. When no command sets order_index, file order is used.
func ParseMOP(data []byte) (mop.MOP, error) {
	var m mop.MOP
	if err := yaml.Unmarshal(data, &m); err != nil {
		return mop.MOP{}, fmt.Errorf("failed to parse MOP: %w", err)
	}

	ordered := false
	for _, c := range m.Commands {
		if c.OrderIndex != 0 {
			ordered = true
			break
		}
	}
	if !ordered {
		for i := range m.Commands {
			m.Commands[i].OrderIndex = i + 1
		}
	}
	return m, nil
}

// LoadServers reads a server inventory.
func LoadServers(path string) ([]mop.Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	return ParseServers(data)
}

// ParseServers decodes a server inventory, applying defaults and resolving secrets.
func ParseServers(data []byte) ([]mop.Server, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	servers := make([]mop.Server, 0, len(f.Servers))
	for i, s := range f.Servers {
		if strings.TrimSpace(s.Host) == "" {
			return nil, fmt.Errorf("server %d: host is required", i)
		}
		out, err := s.withDefaults(f.Defaults).resolve()
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", s.Host, err)
		}
		servers = append(servers, out)
	}
	return servers, nil
}

func (s server) withDefaults(d server) server {
	if s.Port == 0 {
		s.Port = d.Port
	}
	if s.Transport == "" {
		s.Transport = d.Transport
	}
	if s.Escalation == "" {
		s.Escalation = d.Escalation
	}
	if s.Admin == nil {
		s.Admin = d.Admin
	}
	if s.Root == nil {
		s.Root = d.Root
	}
	return s
}

func (s server) resolve() (mop.Server, error) {
	out := mop.Server{
		Host:       s.Host,
		Port:       s.Port,
		Name:       s.Name,
		Transport:  s.Transport,
		Escalation: s.Escalation,
	}

	if s.Admin != nil {
		admin, err := s.Admin.resolve()
		if err != nil {
			return mop.Server{}, fmt.Errorf("admin credential: %w", err)
		}
		out.Admin = admin
	}
	if s.Root != nil {
		root, err := s.Root.resolve()
		if err != nil {
			return mop.Server{}, fmt.Errorf("root credential: %w", err)
		}
		out.Root = &root
	}
	return out, nil
}

func (c credential) resolve() (mop.Credential, error) {
	var errs []error
	expand := func(v string) string {
		return os.Expand(v, func(name string) string {
			val, ok := os.LookupEnv(name)
			if !ok {
				errs = append(errs, fmt.Errorf("environment variable %s is not set", name))
			}
			return val
		})
	}

	out := mop.Credential{
		Username:   expand(c.Username),
		Password:   expand(c.Password),
		PrivateKey: expand(c.PrivateKey),
		Passphrase: expand(c.Passphrase),
	}
	if c.PrivateKeyFile != "" && out.PrivateKey == "" {
		key, err := os.ReadFile(expand(c.PrivateKeyFile))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read private key: %w", err))
		}
		out.PrivateKey = string(key)
	}
	return out, errors.Join(errs...)
}
