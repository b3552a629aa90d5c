// Package runnerjs embeds the JavaScript runner executed inside container
// and subprocess backends. The runner speaks the line-delimited JSON protocol
// on stdio: it evaluates wrapped scripts, proxies tool calls back to the
// host, captures console output, and self-terminates when host heartbeats
// stop arriving.
package runnerjs

import _ "embed"

// ContainerRunnerPath is the fixed read-only mount point of the runner script
// inside sandbox containers.
const ContainerRunnerPath = "/opt/codemode/runner.js"

// Runner is the runner script source. It targets Deno (used directly by the
// subprocess backend and as the container entrypoint) and touches no
// privileged API beyond stdio, so every permission can stay denied.
//
//go:embed runner.js
var Runner []byte
