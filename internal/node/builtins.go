package node

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/model"
)

// registerBuiltins populates the registry with the methods every node
// serves regardless of which services the loader adds.
func (n *Node) registerBuiltins() error {
	type builtin struct {
		service, method string
		meta            model.MethodMeta
		handler         func(ctx context.Context, params map[string]any) (any, error)
	}

	builtins := []builtin{
		{"system", "ping", model.MethodMeta{Public: true, Description: "liveness echo"}, n.handlePing},
		{"cluster", "nodes", model.MethodMeta{Public: true, Description: "list known nodes"}, n.handleNodes},
		{"cluster", "info", model.MethodMeta{Public: true, Description: "this node's own record"}, n.handleInfo},
		{"cluster", "cert_status", model.MethodMeta{Public: false, Description: "local leaf certificate summary"}, n.handleCertStatus},
		{"cluster", "generate_token", model.MethodMeta{Public: false, Description: "mint a worker bootstrap token"}, n.handleGenerateToken},
	}
	for _, b := range builtins {
		if err := n.reg.Register(b.service, b.method, b.meta, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) handlePing(_ context.Context, params map[string]any) (any, error) {
	name, _ := params["name"].(string)
	return map[string]any{"pong": name}, nil
}

func (n *Node) handleNodes(context.Context, map[string]any) (any, error) {
	return n.dir.All(), nil
}

func (n *Node) handleInfo(context.Context, map[string]any) (any, error) {
	info, ok := n.dir.Lookup(n.cfg.NodeID)
	if !ok {
		return nil, errkind.New(errkind.InvariantViolation, "self record missing from directory")
	}
	return info, nil
}

func (n *Node) handleCertStatus(context.Context, map[string]any) (any, error) {
	n.trustMu.RLock()
	leaf := n.leaf
	caFingerprint := n.caFingerprint
	n.trustMu.RUnlock()

	if len(leaf.CertPEM) == 0 {
		return nil, errkind.New(errkind.CertProvisioningFail, "no leaf certificate installed")
	}
	return map[string]any{
		"not_before":         leaf.NotBefore,
		"not_after":          leaf.NotAfter,
		"san_ips":            leaf.SANIPs,
		"san_dns":            leaf.SANDNS,
		"issuer_fingerprint": leaf.IssuerFingerprint,
		"trusted_ca":         caFingerprint,
		"expires_in_days":    int(time.Until(leaf.NotAfter).Hours() / 24),
	}, nil
}

func (n *Node) handleGenerateToken(_ context.Context, params map[string]any) (any, error) {
	if !n.isCoordinator() {
		return nil, errkind.New(errkind.AuthFailed, "token generation is coordinator-only")
	}

	role, _ := params["role"].(string)
	if role == "" {
		role = string(model.RoleWorker)
	}
	ttlHours := 24.0
	if v, ok := params["ttl_hours"].(float64); ok && v > 0 {
		ttlHours = v
	}

	tok, err := n.tokens.Generate(role, time.Duration(ttlHours*float64(time.Hour)))
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return map[string]any{
		"token":      tok.Value,
		"role":       tok.Role,
		"expires_at": tok.ExpiresAt,
	}, nil
}
