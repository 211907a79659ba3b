//go:build tools

package tools

// Pins the swag CLI used to regenerate docs/swagger/swagger.json:
//   swag init -g cmd/server/main.go -o cmd/server/docs/swagger --ot json
import (
	_ "github.com/swaggo/swag"
)
