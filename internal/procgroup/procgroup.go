// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup spawns commands as process group leaders and tears whole
// groups down, so that helpers forked by a supervised binary die with it.
package procgroup
