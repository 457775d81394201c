// Package service defines the collaborator contracts the key-pool core depends on.
package service

import (
	"context"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
)

//go:generate mockery --name CAClient --output mocks --outpkg mocks
// CAClient is the certificate authority the replenisher certifies keys with.
// CAClient 是密钥池补充流程用于签发证书的证书颁发机构客户端。
type CAClient interface {
	// CreateEndEntity registers (or updates) the CA-side identity a certificate is issued to.
	// CreateEndEntity 注册或更新证书所属的终端实体。
	CreateEndEntity(ctx context.Context, entity models.EndEntity) error

	// SignCertificateRequest certifies a PKCS#10 request and returns the DER chain, leaf first.
	// SignCertificateRequest 签发 CSR 并返回 DER 编码的证书链（叶子证书在前）。
	SignCertificateRequest(ctx context.Context, entity models.EndEntity, csr []byte) ([][]byte, error)

	// GetRevocationStatus looks up a certificate by hex serial and issuer DN.
	// GetRevocationStatus 根据序列号与颁发者 DN 查询吊销状态。
	GetRevocationStatus(ctx context.Context, serialHex, issuerDN string) (constants.RevocationStatus, error)
}

//go:generate mockery --name SigningServerClient --output mocks --outpkg mocks
// SigningServerClient abstracts the remote crypto token (HSM-backed signing server).
// SigningServerClient 抽象了远程加密令牌（基于 HSM 的签名服务器）。
type SigningServerClient interface {
	// GenerateKey creates a key pair under alias inside the token.
	// GenerateKey 在令牌中以 alias 生成密钥对。
	GenerateKey(ctx context.Context, cryptoTokenID int, alias, algorithm, specification string) error

	// GenerateCSR builds a PKCS#10 request signed by the key under alias.
	// GenerateCSR 使用 alias 对应的私钥生成 PKCS#10 证书请求。
	GenerateCSR(ctx context.Context, cryptoTokenID int, alias, signatureAlgorithm, subjectDN string) ([]byte, error)

	// ImportCertificateChain attaches the certified chain to the key under alias.
	// ImportCertificateChain 将证书链导入到 alias 对应的密钥。
	ImportCertificateChain(ctx context.Context, cryptoTokenID int, alias string, chain [][]byte) error

	// RemoveKey deletes the key under alias. It reports false when nothing was removed.
	// RemoveKey 删除 alias 对应的密钥，若不存在则返回 false。
	RemoveKey(ctx context.Context, cryptoTokenID int, alias string) (bool, error)

	// QueryTokenEntries pages through the keys the token holds.
	// QueryTokenEntries 分页查询令牌中的密钥条目。
	QueryTokenEntries(ctx context.Context, cryptoTokenID int, includeData bool, startIndex, count int) ([]models.TokenEntry, error)

	// Process performs a signing operation on a worker.
	// Process 调用签名工作器执行签名操作。
	Process(ctx context.Context, req models.ProcessRequest) (*models.ProcessResponse, error)
}

//go:generate mockery --name KeyEventSink --output mocks --outpkg mocks
// KeyEventSink receives key lifecycle events. Publishing is best effort; callers log failures.
// KeyEventSink 接收密钥生命周期事件。
type KeyEventSink interface {
	Publish(ctx context.Context, events ...models.KeyEvent) error
}

// TokenCatalog is the read-only view of configured crypto tokens and their pools.
// TokenCatalog 是已配置加密令牌及其密钥池的只读视图。
type TokenCatalog interface {
	Tokens() []models.CryptoToken
	Token(id int) (models.CryptoToken, bool)
	TokenByName(name string) (models.CryptoToken, bool)
	Profile(tokenID int, usage constants.KeyUsage, algorithm string) (models.KeyPoolProfile, bool)
}
