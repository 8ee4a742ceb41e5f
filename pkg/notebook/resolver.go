package notebook

import (
	"context"
	"net/url"
	"strings"

	"github.com/entrhq/notebook-bridge/pkg/types"
)

// Resolver turns a notebook reference into a navigation target. References
// other than URLs, such as catalog ids, are resolved by the notebook
// library behind this interface.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// URLResolver accepts absolute http(s) URLs and falls back to Default for
// an empty reference.
type URLResolver struct {
	Default func() string
}

// Resolve implements Resolver.
func (r URLResolver) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" && r.Default != nil {
		ref = r.Default()
	}
	if ref == "" {
		return "", types.Errorf(types.KindInvalidInput, "no notebook given and no default notebook configured").
			WithHint("pass notebook_url or set NOTEBOOK_URL")
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", types.Errorf(types.KindInvalidInput, "notebook reference %q is not an http(s) URL", ref)
	}
	return u.String(), nil
}

// Chain tries each resolver in turn and returns the first target found.
// InvalidInput from one resolver moves on to the next.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, ref string) (string, error) {
		var last error
		for _, r := range resolvers {
			target, err := r.Resolve(ctx, ref)
			if err == nil {
				return target, nil
			}
			if types.KindOf(err) != types.KindInvalidInput {
				return "", err
			}
			last = err
		}
		if last == nil {
			last = types.Errorf(types.KindInvalidInput, "no resolver for notebook reference %q", ref)
		}
		return "", last
	})
}

// NamedResolver looks references up in a name to URL table.
type NamedResolver struct {
	Names func() map[string]string
}

// Resolve implements Resolver.
func (r NamedResolver) Resolve(_ context.Context, ref string) (string, error) {
	if r.Names != nil {
		if target, ok := r.Names()[strings.TrimSpace(ref)]; ok && target != "" {
			return target, nil
		}
	}
	return "", types.Errorf(types.KindInvalidInput, "unknown notebook %q", ref)
}
