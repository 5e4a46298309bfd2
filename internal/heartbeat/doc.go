// Package heartbeat keeps the registry honest about which clients are alive.
package heartbeat
