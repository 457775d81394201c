package vault

import (
	"context"
	"fmt"
	"sort"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// KV reads and writes secrets on a KV version 2 mount.
type KV struct {
	client *vaultapi.Client
	mount  string
	system string
}

// NewKV binds a KV v2 mount. system names the remote system in errors.
func NewKV(client *vaultapi.Client, mount, system string) *KV {
	return &KV{client: client, mount: strings.Trim(mount, "/"), system: system}
}

func (kv *KV) dataPath(p string) string     { return kv.mount + "/data/" + strings.Trim(p, "/") }
func (kv *KV) metadataPath(p string) string { return kv.mount + "/metadata/" + strings.Trim(p, "/") }

// Put writes a new version of the secret.
func (kv *KV) Put(ctx context.Context, path string, data map[string]interface{}) error {
	_, err := kv.client.Logical().WriteWithContext(ctx, kv.dataPath(path), map[string]interface{}{"data": data})
	return ClassifyError(kv.system, "write "+path, err)
}

// Get returns the latest version of the secret, or nil when it does not exist.
func (kv *KV) Get(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := kv.client.Logical().ReadWithContext(ctx, kv.dataPath(path))
	if err != nil {
		return nil, ClassifyError(kv.system, "read "+path, err)
	}
	if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
		return nil, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, ClassifyError(kv.system, "read "+path, fmt.Errorf("unexpected secret format at %s", path))
	}
	return data, nil
}

// List returns the sorted child names under path.
func (kv *KV) List(ctx context.Context, path string) ([]string, error) {
	secret, err := kv.client.Logical().ListWithContext(ctx, kv.metadataPath(path))
	if err != nil {
		return nil, ClassifyError(kv.system, "list "+path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok && !strings.HasSuffix(s, "/") {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Destroy removes every version and the metadata of the secret.
func (kv *KV) Destroy(ctx context.Context, path string) error {
	_, err := kv.client.Logical().DeleteWithContext(ctx, kv.metadataPath(path))
	return ClassifyError(kv.system, "delete "+path, err)
}
