package models

// EndEntity is the CA-side identity a key's certificate is issued to.
type EndEntity struct {
	Username           string
	SubjectDN          string
	CertificateProfile string
	EndEntityProfile   string
}

// TokenEntry describes one key entry reported by the signing server.
type TokenEntry struct {
	Alias            string
	KeyAlgorithm     string
	KeySpecification string
	CertificateChain [][]byte
}

// ProcessRequest is a signing request addressed to a signing-server worker.
type ProcessRequest struct {
	WorkerName string
	KeyAlias   string
	Data       []byte
	Metadata   map[string]string
	Encoding   string
}

// ProcessResponse carries the signature and the certificate of the signing key.
type ProcessResponse struct {
	SignedData  []byte
	Certificate []byte
}

// Data encodings accepted by ProcessRequest.
const (
	EncodingNone   = "NONE"
	EncodingBase64 = "BASE64"
	EncodingDigest = "DIGEST"
)
