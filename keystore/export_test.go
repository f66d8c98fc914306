package keystore

// SetReplaceFunc swaps the commit step used by Save and Rekey.
func SetReplaceFunc(k *Keystore, fn func([]byte) error) { k.replace = fn }
