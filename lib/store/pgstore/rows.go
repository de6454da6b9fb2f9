// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pgstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

// jsonb stores a structured value in a jsonb column.
type jsonb[T any] struct {
	V T
}

func (j jsonb[T]) Value() (driver.Value, error) {
	buf, err := json.Marshal(j.V)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

func (j *jsonb[T]) Scan(src interface{}) error {
	var buf []byte
	switch src := src.(type) {
	case nil:
		var zero T
		j.V = zero
		return nil
	case []byte:
		buf = src
	case string:
		buf = []byte(src)
	default:
		return fmt.Errorf("cannot scan %T into jsonb", src)
	}
	return json.Unmarshal(buf, &j.V)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func namedParams(columns string) string {
	var params []string
	for _, col := range strings.Split(columns, ", ") {
		params = append(params, ":"+col)
	}
	return strings.Join(params, ", ")
}

func namedAssignments(columns string) string {
	var assigns []string
	for _, col := range strings.Split(columns, ", ") {
		if col == "uuid" {
			continue
		}
		assigns = append(assigns, col+"=:"+col)
	}
	return strings.Join(assigns, ", ")
}

const containerColumns = "uuid, created_at, modified_at, command, container_image, cwd, environment, mounts, output_path, runtime_constraints, scheduling_parameters, spec_hash, state, priority, locked_by_uuid, lock_count, auth_uuid, runtime_user_uuid, runtime_status, started_at, finished_at, progress, output, log, exit_code"

type containerRow struct {
	UUID                 string                              `db:"uuid"`
	CreatedAt            time.Time                           `db:"created_at"`
	ModifiedAt           time.Time                           `db:"modified_at"`
	Command              jsonb[[]string]                     `db:"command"`
	ContainerImage       string                              `db:"container_image"`
	Cwd                  string                              `db:"cwd"`
	Environment          jsonb[map[string]string]            `db:"environment"`
	Mounts               jsonb[map[string]arvados.Mount]     `db:"mounts"`
	OutputPath           string                              `db:"output_path"`
	RuntimeConstraints   jsonb[arvados.RuntimeConstraints]   `db:"runtime_constraints"`
	SchedulingParameters jsonb[arvados.SchedulingParameters] `db:"scheduling_parameters"`
	SpecHash             string                              `db:"spec_hash"`
	State                string                              `db:"state"`
	Priority             int                                 `db:"priority"`
	LockedByUUID         string                              `db:"locked_by_uuid"`
	LockCount            int                                 `db:"lock_count"`
	AuthUUID             string                              `db:"auth_uuid"`
	RuntimeUserUUID      string                              `db:"runtime_user_uuid"`
	RuntimeStatus        jsonb[map[string]interface{}]       `db:"runtime_status"`
	StartedAt            *time.Time                          `db:"started_at"`
	FinishedAt           *time.Time                          `db:"finished_at"`
	Progress             float64                             `db:"progress"`
	Output               string                              `db:"output"`
	Log                  string                              `db:"log"`
	ExitCode             *int                                `db:"exit_code"`
}

func newContainerRow(ctr arvados.Container) containerRow {
	return containerRow{
		UUID:                 ctr.UUID,
		CreatedAt:            ctr.CreatedAt,
		ModifiedAt:           ctr.ModifiedAt,
		Command:              jsonb[[]string]{ctr.Command},
		ContainerImage:       ctr.ContainerImage,
		Cwd:                  ctr.Cwd,
		Environment:          jsonb[map[string]string]{ctr.Environment},
		Mounts:               jsonb[map[string]arvados.Mount]{ctr.Mounts},
		OutputPath:           ctr.OutputPath,
		RuntimeConstraints:   jsonb[arvados.RuntimeConstraints]{ctr.RuntimeConstraints},
		SchedulingParameters: jsonb[arvados.SchedulingParameters]{ctr.SchedulingParameters},
		SpecHash:             ctr.SpecHash,
		State:                string(ctr.State),
		Priority:             ctr.Priority,
		LockedByUUID:         ctr.LockedByUUID,
		LockCount:            ctr.LockCount,
		AuthUUID:             ctr.AuthUUID,
		RuntimeUserUUID:      ctr.RuntimeUserUUID,
		RuntimeStatus:        jsonb[map[string]interface{}]{ctr.RuntimeStatus},
		StartedAt:            ctr.StartedAt,
		FinishedAt:           ctr.FinishedAt,
		Progress:             ctr.Progress,
		Output:               ctr.Output,
		Log:                  ctr.Log,
		ExitCode:             ctr.ExitCode,
	}
}

func (row containerRow) container() arvados.Container {
	return arvados.Container{
		UUID:                 row.UUID,
		CreatedAt:            row.CreatedAt.UTC(),
		ModifiedAt:           row.ModifiedAt.UTC(),
		Command:              row.Command.V,
		ContainerImage:       row.ContainerImage,
		Cwd:                  row.Cwd,
		Environment:          row.Environment.V,
		Mounts:               row.Mounts.V,
		OutputPath:           row.OutputPath,
		RuntimeConstraints:   row.RuntimeConstraints.V,
		SchedulingParameters: row.SchedulingParameters.V,
		SpecHash:             row.SpecHash,
		State:                arvados.ContainerState(row.State),
		Priority:             row.Priority,
		LockedByUUID:         row.LockedByUUID,
		LockCount:            row.LockCount,
		AuthUUID:             row.AuthUUID,
		RuntimeUserUUID:      row.RuntimeUserUUID,
		RuntimeStatus:        row.RuntimeStatus.V,
		StartedAt:            utcPtr(row.StartedAt),
		FinishedAt:           utcPtr(row.FinishedAt),
		Progress:             row.Progress,
		Output:               row.Output,
		Log:                  row.Log,
		ExitCode:             row.ExitCode,
	}
}

const containerRequestColumns = "uuid, owner_uuid, created_at, modified_at, modified_by_user_uuid, name, description, state, priority, command, container_image, cwd, environment, mounts, output_path, runtime_constraints, scheduling_parameters, use_existing, container_count_max, output_name, output_ttl, container_uuid, container_count, requesting_container_uuid, output_uuid, log_uuid, properties"

type containerRequestRow struct {
	UUID                    string                                   `db:"uuid"`
	OwnerUUID               string                                   `db:"owner_uuid"`
	CreatedAt               time.Time                                `db:"created_at"`
	ModifiedAt              time.Time                                `db:"modified_at"`
	ModifiedByUserUUID      string                                   `db:"modified_by_user_uuid"`
	Name                    string                                   `db:"name"`
	Description             string                                   `db:"description"`
	State                   string                                   `db:"state"`
	Priority                int                                      `db:"priority"`
	Command                 jsonb[[]string]                          `db:"command"`
	ContainerImage          string                                   `db:"container_image"`
	Cwd                     string                                   `db:"cwd"`
	Environment             jsonb[map[string]string]                 `db:"environment"`
	Mounts                  jsonb[map[string]arvados.Mount]          `db:"mounts"`
	OutputPath              string                                   `db:"output_path"`
	RuntimeConstraints      jsonb[arvados.RequestRuntimeConstraints] `db:"runtime_constraints"`
	SchedulingParameters    jsonb[arvados.SchedulingParameters]      `db:"scheduling_parameters"`
	UseExisting             bool                                     `db:"use_existing"`
	ContainerCountMax       int                                      `db:"container_count_max"`
	OutputName              string                                   `db:"output_name"`
	OutputTTL               int                                      `db:"output_ttl"`
	ContainerUUID           string                                   `db:"container_uuid"`
	ContainerCount          int                                      `db:"container_count"`
	RequestingContainerUUID string                                   `db:"requesting_container_uuid"`
	OutputUUID              string                                   `db:"output_uuid"`
	LogUUID                 string                                   `db:"log_uuid"`
	Properties              jsonb[map[string]interface{}]            `db:"properties"`
}

func newContainerRequestRow(cr arvados.ContainerRequest) containerRequestRow {
	return containerRequestRow{
		UUID:                    cr.UUID,
		OwnerUUID:               cr.OwnerUUID,
		CreatedAt:               cr.CreatedAt,
		ModifiedAt:              cr.ModifiedAt,
		ModifiedByUserUUID:      cr.ModifiedByUserUUID,
		Name:                    cr.Name,
		Description:             cr.Description,
		State:                   string(cr.State),
		Priority:                cr.Priority,
		Command:                 jsonb[[]string]{cr.Command},
		ContainerImage:          cr.ContainerImage,
		Cwd:                     cr.Cwd,
		Environment:             jsonb[map[string]string]{cr.Environment},
		Mounts:                  jsonb[map[string]arvados.Mount]{cr.Mounts},
		OutputPath:              cr.OutputPath,
		RuntimeConstraints:      jsonb[arvados.RequestRuntimeConstraints]{cr.RuntimeConstraints},
		SchedulingParameters:    jsonb[arvados.SchedulingParameters]{cr.SchedulingParameters},
		UseExisting:             cr.UseExisting,
		ContainerCountMax:       cr.ContainerCountMax,
		OutputName:              cr.OutputName,
		OutputTTL:               cr.OutputTTL,
		ContainerUUID:           cr.ContainerUUID,
		ContainerCount:          cr.ContainerCount,
		RequestingContainerUUID: cr.RequestingContainerUUID,
		OutputUUID:              cr.OutputUUID,
		LogUUID:                 cr.LogUUID,
		Properties:              jsonb[map[string]interface{}]{cr.Properties},
	}
}

func (row containerRequestRow) containerRequest() arvados.ContainerRequest {
	return arvados.ContainerRequest{
		UUID:                    row.UUID,
		OwnerUUID:               row.OwnerUUID,
		CreatedAt:               row.CreatedAt.UTC(),
		ModifiedAt:              row.ModifiedAt.UTC(),
		ModifiedByUserUUID:      row.ModifiedByUserUUID,
		Name:                    row.Name,
		Description:             row.Description,
		State:                   arvados.ContainerRequestState(row.State),
		Priority:                row.Priority,
		Command:                 row.Command.V,
		ContainerImage:          row.ContainerImage,
		Cwd:                     row.Cwd,
		Environment:             row.Environment.V,
		Mounts:                  row.Mounts.V,
		OutputPath:              row.OutputPath,
		RuntimeConstraints:      row.RuntimeConstraints.V,
		SchedulingParameters:    row.SchedulingParameters.V,
		UseExisting:             row.UseExisting,
		ContainerCountMax:       row.ContainerCountMax,
		OutputName:              row.OutputName,
		OutputTTL:               row.OutputTTL,
		ContainerUUID:           row.ContainerUUID,
		ContainerCount:          row.ContainerCount,
		RequestingContainerUUID: row.RequestingContainerUUID,
		OutputUUID:              row.OutputUUID,
		LogUUID:                 row.LogUUID,
		Properties:              row.Properties.V,
	}
}

const collectionColumns = "uuid, owner_uuid, created_at, modified_at, name, portable_data_hash, manifest_text, trash_at, delete_at, properties"

type collectionRow struct {
	UUID             string                        `db:"uuid"`
	OwnerUUID        string                        `db:"owner_uuid"`
	CreatedAt        time.Time                     `db:"created_at"`
	ModifiedAt       time.Time                     `db:"modified_at"`
	Name             string                        `db:"name"`
	PortableDataHash string                        `db:"portable_data_hash"`
	ManifestText     string                        `db:"manifest_text"`
	TrashAt          *time.Time                    `db:"trash_at"`
	DeleteAt         *time.Time                    `db:"delete_at"`
	Properties       jsonb[map[string]interface{}] `db:"properties"`
}

func newCollectionRow(coll arvados.Collection) collectionRow {
	return collectionRow{
		UUID:             coll.UUID,
		OwnerUUID:        coll.OwnerUUID,
		CreatedAt:        coll.CreatedAt,
		ModifiedAt:       coll.ModifiedAt,
		Name:             coll.Name,
		PortableDataHash: coll.PortableDataHash,
		ManifestText:     coll.ManifestText,
		TrashAt:          coll.TrashAt,
		DeleteAt:         coll.DeleteAt,
		Properties:       jsonb[map[string]interface{}]{coll.Properties},
	}
}

func (row collectionRow) collection() arvados.Collection {
	return arvados.Collection{
		UUID:             row.UUID,
		OwnerUUID:        row.OwnerUUID,
		CreatedAt:        row.CreatedAt.UTC(),
		ModifiedAt:       row.ModifiedAt.UTC(),
		Name:             row.Name,
		PortableDataHash: row.PortableDataHash,
		ManifestText:     row.ManifestText,
		TrashAt:          utcPtr(row.TrashAt),
		DeleteAt:         utcPtr(row.DeleteAt),
		Properties:       row.Properties.V,
	}
}

const dockerImageColumns = "uuid, owner_uuid, created_at, repository, tag, portable_data_hash"

// Field order and types match arvados.DockerImage, so the two types
// are convertible.
type dockerImageRow struct {
	UUID             string    `db:"uuid"`
	OwnerUUID        string    `db:"owner_uuid"`
	CreatedAt        time.Time `db:"created_at"`
	Repository       string    `db:"repository"`
	Tag              string    `db:"tag"`
	PortableDataHash string    `db:"portable_data_hash"`
}

func (row dockerImageRow) dockerImage() arvados.DockerImage {
	img := arvados.DockerImage(row)
	img.CreatedAt = img.CreatedAt.UTC()
	return img
}

const userColumns = "uuid, is_active, is_admin, username, created_at"

// Field order and types match arvados.User.
type userRow struct {
	UUID      string    `db:"uuid"`
	IsActive  bool      `db:"is_active"`
	IsAdmin   bool      `db:"is_admin"`
	Username  string    `db:"username"`
	CreatedAt time.Time `db:"created_at"`
}

func (row userRow) user() arvados.User {
	user := arvados.User(row)
	user.CreatedAt = user.CreatedAt.UTC()
	return user
}

const apiClientAuthorizationColumns = "uuid, api_token, user_uuid, created_at, expires_at, scopes"

type apiClientAuthorizationRow struct {
	UUID      string          `db:"uuid"`
	APIToken  string          `db:"api_token"`
	UserUUID  string          `db:"user_uuid"`
	CreatedAt time.Time       `db:"created_at"`
	ExpiresAt *time.Time      `db:"expires_at"`
	Scopes    jsonb[[]string] `db:"scopes"`
}

func newAPIClientAuthorizationRow(aca arvados.APIClientAuthorization) apiClientAuthorizationRow {
	return apiClientAuthorizationRow{
		UUID:      aca.UUID,
		APIToken:  aca.APIToken,
		UserUUID:  aca.UserUUID,
		CreatedAt: aca.CreatedAt,
		ExpiresAt: aca.ExpiresAt,
		Scopes:    jsonb[[]string]{aca.Scopes},
	}
}

func (row apiClientAuthorizationRow) apiClientAuthorization() arvados.APIClientAuthorization {
	return arvados.APIClientAuthorization{
		UUID:      row.UUID,
		APIToken:  row.APIToken,
		UserUUID:  row.UserUUID,
		CreatedAt: row.CreatedAt.UTC(),
		ExpiresAt: utcPtr(row.ExpiresAt),
		Scopes:    row.Scopes.V,
	}
}
