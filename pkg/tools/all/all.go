// Package all imports and initializes all built-in tools.
// Import this package to register all tools.
package all

import (
	// Import all tool packages to trigger their init() functions
	_ "github.com/choraleia/parley/pkg/tools/thinking"
	_ "github.com/choraleia/parley/pkg/tools/weather"
	_ "github.com/choraleia/parley/pkg/tools/websearch"
)
