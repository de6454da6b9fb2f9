// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package arvados defines the records exchanged by the container
// orchestration service (containers, container requests and the
// collections, images, users and tokens they refer to), its
// configuration types, and the typed errors its operations return.
package arvados
