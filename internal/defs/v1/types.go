package v1

type TypeMeta struct {
	Kind       string `json:"kind"`
	DefVersion string `json:"defVersion"`
}

type ObjectMeta struct {
	Name string `json:"name"`
}

type Variable struct {
	Name  string  `json:"name"`
	Value *string `json:"value,omitempty"`
	Ref   *string `json:"ref,omitempty"`
}

// Target is a host that runs one compose project.
type Target struct {
	TypeMeta   `json:",inline"`
	ObjectMeta `json:",inline"`

	Host           string     `json:"host"`
	Port           *int       `json:"port,omitempty"`
	User           string     `json:"user"`
	DescriptorPath string     `json:"descriptorPath"`
	Project        *string    `json:"project,omitempty"`
	HostKey        *string    `json:"hostKey,omitempty"`
	KnownHostsFile *string    `json:"knownHostsFile,omitempty"`
	Variables      []Variable `json:"variables,omitempty"`
}

type Pipeline struct {
	TypeMeta   `json:",inline"`
	ObjectMeta `json:",inline"`

	Source      *SourceSpec  `json:"source,omitempty"`
	Build       BuildSpec    `json:"build"`
	Image       ImageSpec    `json:"image"`
	Topology    TopologySpec `json:"topology"`
	Target      string       `json:"target"`
	Strategy    *string      `json:"strategy,omitempty"`
	Health      *HealthSpec  `json:"health,omitempty"`
	Retry       *RetrySpec   `json:"retry,omitempty"`
	StepTimeout *string      `json:"stepTimeout,omitempty"`
	Variables   []Variable   `json:"variables,omitempty"`
}

type SourceSpec struct {
	GitURL string  `json:"gitURL"`
	Branch *string `json:"branch,omitempty"`
}

type BuildSpec struct {
	Context    *string           `json:"context,omitempty"`
	Dockerfile *string           `json:"dockerfile,omitempty"`
	NoCache    *bool             `json:"noCache,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
}

type ImageSpec struct {
	Repository string  `json:"repository"`
	Tag        *string `json:"tag,omitempty"`
}

type TopologySpec struct {
	File        string  `json:"file"`
	Environment string  `json:"environment"`
	Service     *string `json:"service,omitempty"`
	ImageVar    *string `json:"imageVar,omitempty"`
}

type HealthSpec struct {
	URL          string  `json:"url"`
	Interval     *string `json:"interval,omitempty"`
	Timeout      *string `json:"timeout,omitempty"`
	ExpectStatus *int    `json:"expectStatus,omitempty"`
}

type RetrySpec struct {
	Attempts  *int    `json:"attempts,omitempty"`
	BaseDelay *string `json:"baseDelay,omitempty"`
	MaxDelay  *string `json:"maxDelay,omitempty"`
}
