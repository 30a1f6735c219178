// Package dedupe remembers recently seen inbound message ids so a channel
// provider retrying a webhook does not append the same customer message twice.
package dedupe
