// Package shim holds the guest runtime compiled into every mini-app and the
// generated entry module that mounts the caller's app under it.
//
// The runtime speaks the guest side of the message protocol: it sends
// ready, gates rendering on initialize, mirrors synced state optimistically,
// forwards mouse movement and bridges AI streams into async iterators.
package shim

import _ "embed"

// Source is the guest runtime, registered as module ModulePath.
//
//go:embed host-api.tsx
var Source string

// ModulePath is the bare specifier app code imports host capabilities from.
const ModulePath = "$"

// EntryPath and AppPath are the registered paths of the generated entry and
// the caller's source.
const (
	EntryPath = "index.tsx"
	AppPath   = "app.tsx"
)

// BindingName is the global function a headless host exposes for
// guest→host messages. Without it the runtime posts to window.parent.
const BindingName = "__miniappHost"

// Entry mounts the default export of AppPath under MiniAppWrapper.
const Entry = `import { StrictMode } from "react";
import { createRoot } from "react-dom/client";
import { MiniAppWrapper } from "$";
import App from "./app";

createRoot(document.getElementById("root")!).render(
  <StrictMode>
    <MiniAppWrapper>
      <App />
    </MiniAppWrapper>
  </StrictMode>
);
`

// Modules returns the three-module graph for appCode.
func Modules(appCode string) map[string]string {
	return map[string]string{
		EntryPath:  Entry,
		AppPath:    appCode,
		ModulePath: Source,
	}
}
