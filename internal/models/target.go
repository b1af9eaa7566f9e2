package models

import (
	"time"
)

// Target is a remote identity (repo or org) for which this host is a
// registered runner. Each target carries its own credentials and holds at
// most one upstream broker session.
type Target struct {
	ID          string           `json:"id" validate:"required"`
	DisplayName string           `json:"display_name"`
	Enabled     bool             `json:"enabled"`
	RunnerDir   string           `json:"runner_dir"`
	Runner      *RunnerFile      `json:"-" validate:"required"`
	Credentials *OAuthCredential `json:"-" validate:"required"`
	RSAParams   *RSAParameters   `json:"-" validate:"required"`
}

// RunnerFile is the subset of the on-disk .runner file the proxy reads.
// ServerURLV2 is the broker base URL for session, message, and acknowledge
// calls.
type RunnerFile struct {
	ServerURLV2 string `json:"serverUrlV2" validate:"required,url"`
	AgentID     int64  `json:"agentId"`
	AgentName   string `json:"agentName"`
}

// CredentialsFile mirrors the on-disk .credentials file
type CredentialsFile struct {
	Scheme string          `json:"scheme"`
	Data   OAuthCredential `json:"data"`
}

// OAuthCredential identifies the target's client-credentials principal
type OAuthCredential struct {
	ClientID         string `json:"clientId" validate:"required"`
	AuthorizationURL string `json:"authorizationUrl" validate:"required,url"`
}

// RSAParameters holds the base64-encoded private key components from the
// on-disk .credentials_rsaparams file
type RSAParameters struct {
	D        string `json:"d" validate:"required"`
	P        string `json:"p" validate:"required"`
	Q        string `json:"q" validate:"required"`
	DP       string `json:"dp" validate:"required"`
	DQ       string `json:"dq" validate:"required"`
	InverseQ string `json:"inverseQ" validate:"required"`
	Modulus  string `json:"modulus" validate:"required"`
	Exponent string `json:"exponent" validate:"required"`
}

// TargetStatus is the per-target snapshot returned by the orchestrator
type TargetStatus struct {
	TargetID      string     `json:"targetId"`
	Registered    bool       `json:"registered"`
	SessionActive bool       `json:"sessionActive"`
	LastPoll      *time.Time `json:"lastPoll"`
	JobsAssigned  int        `json:"jobsAssigned"`
	Error         string     `json:"error,omitempty"`
}

// RegistryFile is the YAML target registry (targets.yaml)
type RegistryFile struct {
	Targets []RegistryEntry `yaml:"targets"`
}

// RegistryEntry describes one registered target and where its runner
// credential artifacts live
type RegistryEntry struct {
	ID        string `yaml:"id" validate:"required"`
	Name      string `yaml:"name"`
	Enabled   bool   `yaml:"enabled"`
	RunnerDir string `yaml:"runner_dir" validate:"required"`
}
