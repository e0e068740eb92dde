package mirror

import "fmt"

// LinkBuilder derives deterministic explorer URLs for human verification.
// The links are not authoritative; they only point a reader at the public
// record of a transaction or resource.
type LinkBuilder struct {
	network string
}

func NewLinkBuilder(network string) *LinkBuilder {
	return &LinkBuilder{network: network}
}

const explorerBase = "https://ledgerscan.io"

func (b *LinkBuilder) Transaction(txRef string) string {
	return fmt.Sprintf("%s/%s/transaction/%s", explorerBase, b.network, MirrorTxID(txRef))
}

func (b *LinkBuilder) Token(tokenID string, serial int64) string {
	return fmt.Sprintf("%s/%s/token/%s/%d", explorerBase, b.network, tokenID, serial)
}

func (b *LinkBuilder) Topic(topicID string) string {
	return fmt.Sprintf("%s/%s/topic/%s", explorerBase, b.network, topicID)
}

func (b *LinkBuilder) File(fileID string) string {
	return fmt.Sprintf("%s/%s/file/%s", explorerBase, b.network, fileID)
}

func (b *LinkBuilder) Schedule(scheduleID string) string {
	return fmt.Sprintf("%s/%s/schedule/%s", explorerBase, b.network, scheduleID)
}
