package bundler

import "testing"

func TestDefaultRules_PriorityOrder(t *testing.T) {
	g := Graph{
		Entry: "index.tsx",
		Modules: map[string]string{
			"index.tsx":      "",
			"app.tsx":        "",
			"$":              "",
			"lib/format.ts":  "",
			"lib/index.tsx":  "",
			"npm:registered": "",
		},
	}
	rules := DefaultRules(g, []string{"react", "react-dom"})

	cases := []struct {
		spec, importer string
		want           Resolution
		ok             bool
	}{
		{"index.tsx", "", Resolution{Path: "index.tsx"}, true},
		{"$", "app.tsx", Resolution{Path: "$"}, true},
		// a registered virtual module wins over the external prefix
		{"npm:registered", "app.tsx", Resolution{Path: "npm:registered"}, true},
		{"npm:lucide-react", "app.tsx", Resolution{Path: "npm:lucide-react", External: true, Package: "lucide-react"}, true},
		{"npm:@scope/pkg/sub", "app.tsx", Resolution{Path: "npm:@scope/pkg/sub", External: true, Package: "@scope/pkg/sub"}, true},
		{"react", "app.tsx", Resolution{Path: "react", External: true}, true},
		{"react-dom/client", "index.tsx", Resolution{Path: "react-dom/client", External: true}, true},
		{"react/jsx-runtime", "app.tsx", Resolution{Path: "react/jsx-runtime", External: true}, true},
		{"./app", "index.tsx", Resolution{Path: "app.tsx"}, true},
		{"./format", "lib/index.tsx", Resolution{Path: "lib/format.ts"}, true},
		{"../app", "lib/format.ts", Resolution{Path: "app.tsx"}, true},
		{"./lib/../app.tsx", "index.tsx", Resolution{Path: "app.tsx"}, true},
		{"./missing", "app.tsx", Resolution{}, false},
		{"../../etc/passwd", "app.tsx", Resolution{}, false},
		{"lodash", "app.tsx", Resolution{}, false},
		{"npm:", "app.tsx", Resolution{}, false},
		{"reactive", "app.tsx", Resolution{}, false},
	}
	for _, tc := range cases {
		got, ok := resolve(rules, Request{Specifier: tc.spec, Importer: tc.importer})
		if ok != tc.ok || got != tc.want {
			t.Errorf("resolve(%q from %q): got %+v,%v want %+v,%v", tc.spec, tc.importer, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRuleFunc_ExtendsTheList(t *testing.T) {
	cdn := RuleFunc(func(req Request) (Resolution, bool) {
		if req.Specifier == "https://cdn.example/x.js" {
			return Resolution{Path: req.Specifier, External: true}, true
		}
		return Resolution{}, false
	})
	rules := append(DefaultRules(Graph{Entry: "index.tsx", Modules: map[string]string{}}, nil), cdn)
	if _, ok := resolve(rules, Request{Specifier: "https://cdn.example/x.js"}); !ok {
		t.Fatal("custom rule should claim its specifier")
	}
}
