// Package execution launches shell commands on behalf of ExecuteCommand
// requests and collects their output.
package execution
