package core

import (
	"context"
	"fmt"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/storage"
)

const (
	minContainerName  = 3
	maxContainerName  = 63
	maxBlobName       = 1024
	maxStoredPolicies = 5
)

func validateContainerName(name string) error {
	if len(name) < minContainerName || len(name) > maxContainerName {
		return invalidArgument(fmt.Sprintf("container name must be %d-%d characters", minContainerName, maxContainerName))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' {
			continue
		}
		if c == '-' && i > 0 && i < len(name)-1 {
			continue
		}
		return invalidArgument("container name allows lowercase letters, digits, and interior hyphens")
	}
	return nil
}

func validateBlobName(name string) error {
	if name == "" {
		return invalidArgument("blob name must not be empty")
	}
	if len(name) > maxBlobName {
		return invalidArgument(fmt.Sprintf("blob name exceeds %d characters", maxBlobName))
	}
	if name[0] == '/' || name[len(name)-1] == '/' {
		return invalidArgument("blob name must not start or end with a delimiter")
	}
	return nil
}

func normalizePublicAccess(level string) (string, error) {
	switch level {
	case "", "none":
		return storage.PublicAccessNone, nil
	case storage.PublicAccessBlob:
		return storage.PublicAccessBlob, nil
	case storage.PublicAccessContainer:
		return storage.PublicAccessContainer, nil
	}
	return "", invalidArgument(fmt.Sprintf("unknown public access level %q", level))
}

func publicAccessLabel(level string) string {
	if level == storage.PublicAccessNone {
		return "none"
	}
	return level
}

func (s *Service) containerResult(doc *storage.ContainerDoc, etag string, includeMetadata bool) ContainerResult {
	res := ContainerResult{
		Container:     doc.Name,
		CreatedAtUnix: doc.CreatedAtUnix,
		PublicAccess:  publicAccessLabel(doc.PublicAccess),
		ETag:          etag,
		LeaseState:    leaseView(doc.Lease, s.nowUnix()),
	}
	if includeMetadata {
		res.Metadata = doc.Metadata
	}
	return res
}

// CreateContainer creates an empty container. The name must be unique; the
// create is a CAS insert so two racing creators cannot both win.
func (s *Service) CreateContainer(ctx context.Context, cmd CreateContainerCommand) (ContainerResult, error) {
	start := s.now()
	res, err := s.createContainer(ctx, cmd)
	s.metrics.record(ctx, "container.create", start, err)
	return res, err
}

func (s *Service) createContainer(ctx context.Context, cmd CreateContainerCommand) (ContainerResult, error) {
	if err := validateContainerName(cmd.Container); err != nil {
		return ContainerResult{}, err
	}
	access, err := normalizePublicAccess(cmd.PublicAccess)
	if err != nil {
		return ContainerResult{}, err
	}
	doc := &storage.ContainerDoc{
		Name:          cmd.Container,
		CreatedAtUnix: s.nowUnix(),
		Metadata:      cmd.Metadata,
		PublicAccess:  access,
	}
	etag, err := s.store.StoreContainer(ctx, cmd.Container, doc, "")
	if err == storage.ErrCASMismatch {
		return ContainerResult{}, containerAlreadyExists(cmd.Container)
	}
	if err != nil {
		return ContainerResult{}, internalError(err)
	}
	s.logger.Info("container created", "container", cmd.Container)
	return s.containerResult(doc, etag, true), nil
}

// GetContainer returns container properties and metadata.
func (s *Service) GetContainer(ctx context.Context, container string) (ContainerResult, error) {
	doc, etag, err := s.loadContainer(ctx, container)
	if err != nil {
		return ContainerResult{}, err
	}
	return s.containerResult(doc, etag, true), nil
}

// DeleteContainer removes the container document first, then purges every
// blob document and content object below it. A reader that races the purge
// already sees the container as gone.
func (s *Service) DeleteContainer(ctx context.Context, cmd DeleteContainerCommand) error {
	start := s.now()
	err := s.deleteContainer(ctx, cmd)
	s.metrics.record(ctx, "container.delete", start, err)
	return err
}

func (s *Service) deleteContainer(ctx context.Context, cmd DeleteContainerCommand) error {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		doc, etag, err := s.loadContainer(ctx, cmd.Container)
		if err != nil {
			return err
		}
		if err := checkCondition("container "+cmd.Container, doc.Lease, etag, cmd.Condition, s.nowUnix()); err != nil {
			return err
		}
		err = s.store.DeleteContainer(ctx, cmd.Container, etag)
		if err == storage.ErrCASMismatch {
			continue
		}
		if err == storage.ErrNotFound {
			return containerNotFound(cmd.Container)
		}
		if err != nil {
			return internalError(err)
		}
		if err := s.store.PurgeContainerBlobs(ctx, cmd.Container); err != nil {
			// The container document is gone; leaked blob docs are
			// unreachable through the API and cleaned up on the next purge.
			s.logger.Warn("container purge left residue", "container", cmd.Container, "error", err)
		}
		s.logger.Info("container deleted", "container", cmd.Container)
		return nil
	}
	return Failure{Code: CodeETagMismatch, Detail: "container delete kept racing concurrent writers", HTTPStatus: 409}
}

// SetContainerMetadata replaces the metadata map wholesale.
func (s *Service) SetContainerMetadata(ctx context.Context, cmd SetContainerMetadataCommand) (ContainerResult, error) {
	doc, etag, err := s.mutateContainer(ctx, cmd.Container, func(doc *storage.ContainerDoc, etag string) (bool, error) {
		if err := checkCondition("container "+cmd.Container, doc.Lease, etag, cmd.Condition, s.nowUnix()); err != nil {
			return false, err
		}
		doc.Metadata = cmd.Metadata
		return true, nil
	})
	if err != nil {
		return ContainerResult{}, err
	}
	return s.containerResult(doc, etag, true), nil
}

// SetContainerAccess changes the anonymous-access level.
func (s *Service) SetContainerAccess(ctx context.Context, cmd SetContainerAccessCommand) (ContainerResult, error) {
	access, err := normalizePublicAccess(cmd.PublicAccess)
	if err != nil {
		return ContainerResult{}, err
	}
	doc, etag, err := s.mutateContainer(ctx, cmd.Container, func(doc *storage.ContainerDoc, etag string) (bool, error) {
		if err := checkCondition("container "+cmd.Container, doc.Lease, etag, cmd.Condition, s.nowUnix()); err != nil {
			return false, err
		}
		doc.PublicAccess = access
		return true, nil
	})
	if err != nil {
		return ContainerResult{}, err
	}
	return s.containerResult(doc, etag, true), nil
}

// SetAccessPolicies replaces the container's stored access policies. Tokens
// bound to a removed policy are revoked at their next validation.
func (s *Service) SetAccessPolicies(ctx context.Context, cmd SetAccessPoliciesCommand) error {
	if len(cmd.Policies) > maxStoredPolicies {
		return invalidArgument(fmt.Sprintf("at most %d stored access policies per container", maxStoredPolicies))
	}
	for id, policy := range cmd.Policies {
		if id == "" {
			return invalidArgument("stored access policy id must not be empty")
		}
		if _, err := api.ParsePermissions(policy.Permissions); err != nil {
			return invalidArgument(fmt.Sprintf("policy %q: %v", id, err))
		}
	}
	_, _, err := s.mutateContainer(ctx, cmd.Container, func(doc *storage.ContainerDoc, etag string) (bool, error) {
		if err := checkCondition("container "+cmd.Container, doc.Lease, etag, cmd.Condition, s.nowUnix()); err != nil {
			return false, err
		}
		if len(cmd.Policies) == 0 {
			doc.Policies = nil
			return true, nil
		}
		doc.Policies = make(map[string]storage.AccessPolicyDoc, len(cmd.Policies))
		for id, policy := range cmd.Policies {
			doc.Policies[id] = policy
		}
		return true, nil
	})
	return err
}

// GetAccessPolicies returns the container's stored access policies.
func (s *Service) GetAccessPolicies(ctx context.Context, container string) (map[string]storage.AccessPolicyDoc, error) {
	doc, _, err := s.loadContainer(ctx, container)
	if err != nil {
		return nil, err
	}
	return doc.Policies, nil
}
