// Package web holds the static upload page served at "/".
package web

import _ "embed"

//go:embed index.html
var Index []byte
