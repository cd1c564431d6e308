// Package seed carries the built-in system default tab set.
package seed

import _ "embed"

//go:embed system_tabs.yaml
var SystemTabs []byte
