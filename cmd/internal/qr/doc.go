// Package qr implements Karma's QR issue ledger: issuance of single-use,
// time-limited bearer tokens and their atomic redemption.
//
// Redemption is one conditional update at the storage layer
// (UPDATE ... WHERE status='issued' AND expires_at >= now() RETURNING ...).
// No application locks are taken: under N concurrent redeemers of the same
// token exactly one update matches. A failed update is followed by a
// read-only lookup whose only purpose is to classify the denial.
//
// Front ends (HTTP, bot) and token delivery are outside this package.
package qr
