package data

// Resolution sources
const (
	SourceLocalDB   = "local-db"
	SourceRemoteAPI = "remote-api"
	SourceDNS       = "dns"
)

// Resolution maps an IP address to its autonomous system
type Resolution struct {
	ASN          uint32 `json:"asn"`
	Organization string `json:"organization"`
	Source       string `json:"source"`
}

// ASNRecord is one entry of the operator supplied custom ASN list
type ASNRecord struct {
	ASN          uint32 `json:"asn"`
	Organization string `json:"organization"`
	Reason       string `json:"reason"`
}
