// Package migrations embeds the SQL schema applied by "portal-server migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
