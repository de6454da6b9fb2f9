// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package router

import (
	"encoding/json"
	"net/http"
)

// sendResponse writes resp as JSON, or an empty 204 response if
// resp is nil (e.g., lock_next found nothing to lock).
func (rtr *router) sendResponse(w http.ResponseWriter, resp interface{}) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
