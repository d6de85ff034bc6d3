package jobs

import "message-job-runner/internal/scheduler"

// Requirement is a side-effect-free precondition checked before every run.
type Requirement interface {
	Satisfied(env Environment) bool
	// Constraint names the trigger that may make this requirement hold again.
	Constraint() scheduler.Constraint
}

// NetworkRequirement holds while the device has a usable network.
type NetworkRequirement struct{}

func (NetworkRequirement) Satisfied(env Environment) bool {
	return env.Network != nil && env.Network.IsConnected()
}

func (NetworkRequirement) Constraint() scheduler.Constraint { return scheduler.ConstraintNetwork }

// CredentialRequirement holds while the credential store is unlocked.
type CredentialRequirement struct{}

func (CredentialRequirement) Satisfied(env Environment) bool {
	return env.CredentialsUnlocked()
}

func (CredentialRequirement) Constraint() scheduler.Constraint {
	return scheduler.ConstraintCredentials
}
