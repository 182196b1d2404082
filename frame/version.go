// Package frame implements the native-protocol frame codec (v3-v5).
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame

// advertised in STARTUP options
const (
	DriverName    = "kumulus-go"
	DriverVersion = "1.0.0"
)
