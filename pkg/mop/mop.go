// Package mop contains the Method of Procedure model shared by the engine,
// the controller API and the CLI.
package mop

import (
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"
)

// MOP is an ordered, named set of validation commands.
// The engine only ever sees a snapshot; it never mutates one.
type MOP struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Commands []Command `json:"commands" yaml:"commands"`
}

// Command is a single step of a MOP.
type Command struct {
	ID               string         `json:"id" yaml:"id"`
	CommandIDRef     string         `json:"command_id_ref,omitempty" yaml:"command_id_ref,omitempty"`
	Title            string         `json:"title,omitempty" yaml:"title,omitempty"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	Command          string         `json:"command" yaml:"command"`
	ExtractMethod    string         `json:"extract_method,omitempty" yaml:"extract_method,omitempty"`
	ComparatorMethod string         `json:"comparator_method,omitempty" yaml:"comparator_method,omitempty"`
	ReferenceValue   string         `json:"reference_value,omitempty" yaml:"reference_value,omitempty"`
	SkipCondition    *SkipCondition `json:"skip_condition,omitempty" yaml:"skip_condition,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RollbackCommand  string         `json:"rollback_command,omitempty" yaml:"rollback_command,omitempty"`
	OrderIndex       int            `json:"order_index" yaml:"order_index"`
	Expand           *Expansion     `json:"expand,omitempty" yaml:"expand,omitempty"`

	// ExpandedFrom is set on concrete commands produced from a template.
	ExpandedFrom string `json:"_expanded_from,omitempty" yaml:"-"`
}

// Key is the identifier other commands use to reference this one.
func (c Command) Key() string {
	if c.CommandIDRef != "" {
		return c.CommandIDRef
	}
	return c.ID
}

// Timeout returns the per-command timeout, or def when none is set.
func (c Command) Timeout(def time.Duration) time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return def
}

// ConditionType is the predicate a skip condition evaluates.
type ConditionType string

const (
	ConditionEmpty      ConditionType = "empty"
	ConditionNotEmpty   ConditionType = "not_empty"
	ConditionOK         ConditionType = "ok"
	ConditionNotOK      ConditionType = "not_ok"
	ConditionValueMatch ConditionType = "value_match"
)

// Valid reports whether t is a known condition type.
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionEmpty, ConditionNotEmpty, ConditionOK, ConditionNotOK, ConditionValueMatch:
		return true
	}
	return false
}

// SkipCondition makes a command conditional on an earlier command's outcome on the same server.
// The command runs only when the condition holds.
type SkipCondition struct {
	ConditionID    string        `json:"condition_id" yaml:"condition_id"`
	ConditionType  ConditionType `json:"condition_type" yaml:"condition_type"`
	ConditionValue string        `json:"condition_value,omitempty" yaml:"condition_value,omitempty"`
}

// Expansion turns a command into one concrete command per item discovered
// by an earlier command on the same server.
type Expansion struct {
	Source      string `json:"source" yaml:"source"`
	Placeholder string `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Pattern     string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Field       int    `json:"field,omitempty" yaml:"field,omitempty"`
}

// Ordered returns a copy of the commands sorted by OrderIndex.
func (m MOP) Ordered() []Command {
	cmds := make([]Command, len(m.Commands))
	copy(cmds, m.Commands)
	sort.SliceStable(cmds, func(i, j int) bool {
		return cmds[i].OrderIndex < cmds[j].OrderIndex
	})
	return cmds
}

// Transport names how the engine reaches a server.
type Transport string

const (
	TransportSSH        Transport = "ssh"
	TransportDocker     Transport = "docker"
	TransportKubernetes Transport = "kubernetes"
	TransportLocal      Transport = "local"
)

// Escalation selects how the root credential is used.
type Escalation string

const (
	EscalationSu   Escalation = "su"
	EscalationSudo Escalation = "sudo"
	EscalationNone Escalation = "none"
)

// Server is a target of an assessment.
type Server struct {
	Host       string      `json:"host" yaml:"host"`
	Port       int         `json:"port,omitempty" yaml:"port,omitempty"`
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	Transport  Transport   `json:"transport,omitempty" yaml:"transport,omitempty"`
	Escalation Escalation  `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	Admin      Credential  `json:"admin" yaml:"admin"`
	Root       *Credential `json:"root,omitempty" yaml:"root,omitempty"`
}

// DisplayName returns Name, or Host when no name was given.
func (s Server) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Host
}

// Address returns host:port with the SSH default port applied.
func (s Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// LogValue keeps credentials out of structured logs.
func (s Server) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", s.Host),
		slog.String("name", s.DisplayName()),
		slog.String("transport", string(s.Transport)),
	)
}

// Credential is opaque connection material. It is never logged.
type Credential struct {
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
}

// String redacts everything but the username.
func (c Credential) String() string {
	return c.Username + ":[REDACTED]"
}

// LogValue redacts everything but the username.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}
