package querymap

import "testing"

func TestStoragePrefix(t *testing.T) {
	// well-known prefix of the System.Account storage map
	want := "0x26aa394eea5630e07c48ae0c9558cef7b99d880ec681799c0cf30e8886371da9"
	if got := StoragePrefix("System", "Account"); got != want {
		t.Fatalf("StoragePrefix(System, Account) = %s, want %s", got, want)
	}
}

func TestStoragePrefixDiffersPerItem(t *testing.T) {
	a := StoragePrefix("System", "Account")
	b := StoragePrefix("System", "BlockHash")
	if a == b {
		t.Fatal("different storage items must hash to different prefixes")
	}
}
