package sql

import (
	"embed"
)

//go:embed schema/*.sql
//go:embed seeds/*.sql
var Content embed.FS
