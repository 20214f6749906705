package cluster

import (
	"sort"
	"testing"
)

func TestClusterer_UnionFindTransitive(t *testing.T) {
	c := NewClusterer()

	if !c.Union("walletA", "walletB") {
		t.Errorf("Expected first union of A,B to merge. Got: false")
	}
	if !c.Union("walletB", "walletC") {
		t.Errorf("Expected union of B,C to merge. Got: false")
	}

	if c.Find("walletA") != c.Find("walletC") {
		t.Errorf("Expected A and C in same cluster. Got: %s vs %s",
			c.Find("walletA"), c.Find("walletC"))
	}

	_, size := c.ClusterOf("walletA")
	if size != 3 {
		t.Errorf("Expected cluster size 3. Got: %d", size)
	}
}

func TestClusterer_UnionAlreadyLinked(t *testing.T) {
	c := NewClusterer()
	c.Union("a", "b")

	if c.Union("a", "b") {
		t.Errorf("Expected repeat union to report no merge. Got: true")
	}
	if c.Union("b", "a") {
		t.Errorf("Expected reversed repeat union to report no merge. Got: true")
	}

	_, size := c.ClusterOf("a")
	if size != 2 {
		t.Errorf("Expected size to stay 2 after repeat unions. Got: %d", size)
	}
}

func TestClusterer_SingletonCluster(t *testing.T) {
	c := NewClusterer()

	root, size := c.ClusterOf("lonely")
	if root != "lonely" {
		t.Errorf("Expected singleton to be its own root. Got: %s", root)
	}
	if size != 1 {
		t.Errorf("Expected singleton size 1. Got: %d", size)
	}
}

func TestClusterer_LinkFundingIgnoresDegenerate(t *testing.T) {
	c := NewClusterer()

	if c.LinkFunding("w", "") {
		t.Errorf("Expected empty funder to be ignored. Got: merge")
	}
	if c.LinkFunding("", "f") {
		t.Errorf("Expected empty wallet to be ignored. Got: merge")
	}
	if c.LinkFunding("w", "w") {
		t.Errorf("Expected self edge to be ignored. Got: merge")
	}
	if !c.LinkFunding("w", "f") {
		t.Errorf("Expected valid funding edge to merge. Got: false")
	}
}

func TestClusterer_Members(t *testing.T) {
	c := NewClusterer()
	c.LinkFunding("child1", "treasury")
	c.LinkFunding("child2", "treasury")
	c.Find("outsider")

	members := c.Members("child1")
	sort.Strings(members)

	want := []string{"child1", "child2", "treasury"}
	if len(members) != len(want) {
		t.Fatalf("Expected %d members. Got: %d (%v)", len(want), len(members), members)
	}
	for i, m := range members {
		if m != want[i] {
			t.Errorf("Expected member %s at %d. Got: %s", want[i], i, m)
		}
	}
}

func TestClusterer_Stats(t *testing.T) {
	c := NewClusterer()
	c.Union("a", "b")
	c.Union("c", "d")
	c.Find("e")

	wallets, clusters, merges := c.Stats()
	if wallets != 5 {
		t.Errorf("Expected 5 tracked wallets. Got: %d", wallets)
	}
	if clusters != 3 {
		t.Errorf("Expected 3 clusters. Got: %d", clusters)
	}
	if merges != 2 {
		t.Errorf("Expected 2 merges. Got: %d", merges)
	}

	c.Union("b", "c")
	wallets, clusters, merges = c.Stats()
	if clusters != 2 {
		t.Errorf("Expected 2 clusters after bridging union. Got: %d", clusters)
	}
	if merges != 3 {
		t.Errorf("Expected 3 merges. Got: %d", merges)
	}
}
