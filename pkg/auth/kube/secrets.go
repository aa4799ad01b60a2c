// Copyright 2023 The mqtt-gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kube resolves per-tenant gateway credentials from Kubernetes
// Secrets. The secret of a tenant is named {prefix}{tenantId} and holds the
// keys "username" and "password".
package kube

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
)

// Secret data keys.
const (
	UsernameKey = "username"
	PasswordKey = "password"
)

// SecretResolver implements auth.CredentialResolver.
type SecretResolver struct {
	clientset kubernetes.Interface
	namespace string
	prefix    string
}

// NewSecretResolver creates a resolver using the in-cluster service account.
func NewSecretResolver(namespace, prefix string) (*SecretResolver, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("could not get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("could not create clientset: %w", err)
	}

	return NewSecretResolverWithClient(clientset, namespace, prefix), nil
}

// NewSecretResolverWithClient creates a resolver with a given clientset.
func NewSecretResolverWithClient(clientset kubernetes.Interface, namespace, prefix string) *SecretResolver {
	return &SecretResolver{
		clientset: clientset,
		namespace: namespace,
		prefix:    prefix,
	}
}

// ResolveGatewayCredentials reads the tenant's secret.
func (r *SecretResolver) ResolveGatewayCredentials(ctx context.Context, tenantID string) (auth.GatewayCredentials, error) {
	name := r.prefix + tenantID
	secret, err := r.clientset.CoreV1().Secrets(r.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return auth.GatewayCredentials{}, fmt.Errorf("%w: secret %s/%s not found", auth.ErrNoCredentials, r.namespace, name)
	}
	if err != nil {
		return auth.GatewayCredentials{}, fmt.Errorf("%w: failed to get secret %s/%s: %v", auth.ErrCredentialsUnavailable, r.namespace, name, err)
	}

	username, password := string(secret.Data[UsernameKey]), string(secret.Data[PasswordKey])
	if username == "" || password == "" {
		return auth.GatewayCredentials{}, fmt.Errorf("%w: secret %s/%s lacks %s or %s", auth.ErrNoCredentials, r.namespace, name, UsernameKey, PasswordKey)
	}
	return auth.GatewayCredentials{Username: username, Password: password}, nil
}
