package kubeutil

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Clients are connections to one cluster.
type Clients struct {
	Config  *rest.Config
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
}

// FindKubeconfig returns the path of kubeconfig to be used.
//
// It searches kubeconfig from
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// - explicit path (when not empty)
//
// Later one wins. It returns empty string when the found path does not exist,
// which means in-cluster config should be used.
func FindKubeconfig(explicit string) string {
	kubeconfig := ""

	// priority 1 (least): ~/.kube/config
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	// priority 2: envvar KUBECONFIG
	if k := os.Getenv("KUBECONFIG"); k != "" {
		kubeconfig = k
	}

	// priority 3 (most): given by caller
	if explicit != "" {
		kubeconfig = explicit
	}

	if kubeconfig != "" {
		stat, err := os.Stat(kubeconfig)
		if err != nil || stat.IsDir() {
			kubeconfig = ""
		}
	}
	return kubeconfig
}

// ConnectToK8s connects to the cluster of kubeconfig found by FindKubeconfig(explicit).
//
// When no kubeconfig are found, it tries in-cluster config.
func ConnectToK8s(explicit string) (*Clients, error) {
	kubeconfig := FindKubeconfig(explicit)

	var config *rest.Config
	var err error
	if kubeconfig == "" {
		// fallback: try in-cluster
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, err
	}

	typed, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	return &Clients{Config: config, Typed: typed, Dynamic: dyn}, nil
}
