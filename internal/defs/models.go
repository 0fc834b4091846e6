package defs

import "time"

type Strategy string

const (
	// StrategyRecreate stops the running set and starts the new one.
	StrategyRecreate Strategy = "recreate"
	// StrategyGated additionally probes the new set and rolls back on failure.
	StrategyGated Strategy = "gated"
)

type Variable struct {
	Name  string
	Value *string
	Ref   *string
}

type Target struct {
	Name           string
	Host           string
	Port           int
	User           string
	DescriptorPath string
	Project        string
	HostKey        string
	KnownHostsFile string
	Variables      []Variable
}

type Pipeline struct {
	Name        string
	Source      *Source
	Build       Build
	Image       Image
	Topology    Topology
	Target      string
	Strategy    Strategy
	Health      *Health
	Retry       Retry
	StepTimeout time.Duration
	Variables   []Variable
}

type Source struct {
	GitURL string
	Branch string
}

type Build struct {
	Context    string
	Dockerfile string
	NoCache    bool
	Args       map[string]string
}

type Image struct {
	Repository string
	Tag        string
}

type Topology struct {
	File        string
	Environment string
	Service     string
	ImageVar    string
}

type Health struct {
	URL          string
	Interval     time.Duration
	Timeout      time.Duration
	ExpectStatus int
}

type Retry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}
