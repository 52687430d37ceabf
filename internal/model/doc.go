// Package model defines the records of the run ledger: projects, the forge
// events that happened in them, the runs triggered for an event and the
// stage groups and targets that make up a run.
package model
