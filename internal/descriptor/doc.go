// Package descriptor provides the value types exchanged with a resource
// manager: job templates, job info snapshots, job states and the special
// timeout values.
//
// Every attribute distinguishes "unset" from its zero value. Templates and
// snapshots own their nested containers and release them once on Destroy.
// Backend specific attributes travel as an Extension keyed by backend name.
package descriptor
