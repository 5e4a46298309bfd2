// Package ratelimit provides sliding-window admission control for outbound
// messages and file uploads, with a cooldown list for repeat offenders.
package ratelimit
