// Package auth authorises jobserver clients by the role carried in the
// organisational unit of their verified certificate.
package auth

import (
	"context"
	"fmt"
	"slices"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	api "github.com/nixpig/jobsession/api/v1"
)

type Permission string

const (
	PermissionSessionManage Permission = "session:manage"
	PermissionSessionQuery  Permission = "session:query"
	PermissionJobSubmit     Permission = "job:submit"
	PermissionJobControl    Permission = "job:control"
	PermissionJobQuery      Permission = "job:query"
	PermissionJobStream     Permission = "job:stream"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleOperator: {
		PermissionSessionManage,
		PermissionSessionQuery,
		PermissionJobSubmit,
		PermissionJobControl,
		PermissionJobQuery,
		PermissionJobStream,
	},
	RoleViewer: {
		PermissionSessionQuery,
		PermissionJobQuery,
		PermissionJobStream,
	},
}

// MethodPermissions maps every gRPC method of the resource manager to the
// permission it requires.
var MethodPermissions = map[string]Permission{
	api.FullMethod("GetSystemInfo"):   PermissionSessionQuery,
	api.FullMethod("CreateSession"):   PermissionSessionManage,
	api.FullMethod("AttachSession"):   PermissionSessionManage,
	api.FullMethod("DetachSession"):   PermissionSessionManage,
	api.FullMethod("DeleteSession"):   PermissionSessionManage,
	api.FullMethod("GetSession"):      PermissionSessionQuery,
	api.FullMethod("ListSessions"):    PermissionSessionQuery,
	api.FullMethod("SubmitJob"):       PermissionJobSubmit,
	api.FullMethod("SubmitBulkJobs"):  PermissionJobSubmit,
	api.FullMethod("GetJobState"):     PermissionJobQuery,
	api.FullMethod("GetJobInfo"):      PermissionJobQuery,
	api.FullMethod("ControlJob"):      PermissionJobControl,
	api.FullMethod("ReapJob"):         PermissionJobControl,
	api.FullMethod("ListJobs"):        PermissionJobQuery,
	api.FullMethod("GetJobArray"):     PermissionJobQuery,
	api.FullMethod("StreamJobOutput"): PermissionJobStream,
	api.FullMethod("WatchJobs"):       PermissionJobQuery,
}

// GetClientIdentity returns the common name and first organisational unit of
// the client's verified certificate.
func GetClientIdentity(ctx context.Context) (string, string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", "", fmt.Errorf("failed to get peer info from context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", "", fmt.Errorf("failed to get TLS info from peer auth info")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 ||
		len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", "", fmt.Errorf("no verified chains in TLS info")
	}

	cert := tlsInfo.State.VerifiedChains[0][0]

	cn := cert.Subject.CommonName

	var ou string
	if len(cert.Subject.OrganizationalUnit) > 0 {
		ou = cert.Subject.OrganizationalUnit[0]
	}

	return cn, ou, nil
}

func IsAuthorised(clientRole Role, method string) error {
	requiredPermission, exists := MethodPermissions[method]
	if !exists {
		return fmt.Errorf("specified method not in method permissions")
	}

	permissions, ok := RolePermissions[clientRole]
	if !ok {
		return fmt.Errorf("specified role not in role permissions")
	}

	if !slices.Contains(permissions, requiredPermission) {
		return fmt.Errorf("required permission not in permissions for role")
	}

	return nil
}

// Authorise checks the client calling method has a role permitted to.
func Authorise(ctx context.Context, method string) (Identity, error) {
	cn, ou, err := GetClientIdentity(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("get client identity: %w", err)
	}

	id := Identity{CommonName: cn, Role: Role(ou)}

	if err := IsAuthorised(id.Role, method); err != nil {
		return id, fmt.Errorf("authorise client: %w", err)
	}

	return id, nil
}

// Identity is an authenticated client.
type Identity struct {
	CommonName string
	Role       Role
}
