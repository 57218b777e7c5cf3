// Command rcproxy runs either tier of the caching proxy.
//
// The local tier sits next to users. Cached pages are served directly; misses
// are queued per user, or streamed through the remote when the link is fast.
// A dispatcher drains the global queue to the remote tier, which crawls the
// page with its embedded resources under a byte quota and returns one gzip
// package that is unpacked into the local cache and search index.
//
// Run locally:
//
//	rcproxy remote --config remote.yaml
//	rcproxy local --config local.yaml
//
// Every setting can be overridden from the environment, e.g.
// RCPROXY_NETWORK_STATUS=online or RCPROXY_REMOTE_ADDRESS=gw.example.net:8081.
package main

import (
	"github.com/JakeFAU/rcproxy/cmd"
)

func main() {
	cmd.Execute()
}
