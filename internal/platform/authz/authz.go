// Package authz decides which callers may write tab configuration at which
// scope. Decisions come from a casbin model/policy pair; a built-in policy is
// used when no files are configured.
package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"github.com/rs/zerolog"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ActionWrite is the only action the tab configuration service checks.
const ActionWrite = "write"

// DefaultModel matches a role subject against a scope object. A "*" subject
// in the policy matches any role.
const DefaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (p.sub == "*" || r.sub == p.sub) && r.obj == p.obj && r.act == p.act
`

// DefaultPolicy lets admins write organization overrides and every role
// holder write role and user overrides.
const DefaultPolicy = `
p, role:admin, organization, write
p, *, role, write
p, *, user, write
`

// ParseMode validates an AUTHZ_MODE value. Empty means enforce.
func ParseMode(raw string) (Mode, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow, ModeDisabled:
		return Mode(raw), nil
	default:
		return "", errors.New("authz: invalid mode (expected enforce|shadow|disabled)")
	}
}

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
	logger   zerolog.Logger
}

// NewAuthorizer loads the model and policy files. Empty paths select the
// built-in DefaultModel and DefaultPolicy.
func NewAuthorizer(modelPath, policyPath string, mode Mode, logger zerolog.Logger) (*Authorizer, error) {
	var (
		enforcer *casbin.Enforcer
		err      error
	)
	if modelPath == "" && policyPath == "" {
		m, merr := model.NewModelFromString(DefaultModel)
		if merr != nil {
			return nil, fmt.Errorf("authz: parse default model: %w", merr)
		}
		enforcer, err = casbin.NewEnforcer(m, stringadapter.NewAdapter(DefaultPolicy))
	} else {
		enforcer, err = casbin.NewEnforcer(modelPath, fileadapter.NewAdapter(policyPath))
	}
	if err != nil {
		return nil, fmt.Errorf("authz: create enforcer: %w", err)
	}
	return &Authorizer{enforcer: enforcer, mode: mode, logger: logger}, nil
}

// SubjectFromRole maps a role name to a policy subject.
func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// Authorize checks a single subject. enforced is false in shadow and disabled
// modes, where the caller must let the request through.
func (a *Authorizer) Authorize(subject, object, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeShadow:
		ok, err := a.enforcer.Enforce(subject, object, action)
		if err != nil {
			return false, false, err
		}
		return ok, false, nil
	case ModeEnforce:
		ok, err := a.enforcer.Enforce(subject, object, action)
		if err != nil {
			return false, true, err
		}
		return ok, true, nil
	default:
		return false, false, errors.New("authz: unknown mode")
	}
}

// CanWriteScope reports whether any of roles may write overrides at scope.
func (a *Authorizer) CanWriteScope(roles []string, scope string) (bool, error) {
	if len(roles) == 0 {
		roles = []string{""}
	}
	for _, role := range roles {
		subject := SubjectFromRole(role)
		allowed, enforced, err := a.Authorize(subject, scope, ActionWrite)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
		if !enforced {
			a.logger.Warn().
				Str("subject", subject).
				Str("scope", scope).
				Str("mode", string(a.mode)).
				Msg("authz shadow deny")
			return true, nil
		}
	}
	return false, nil
}
