package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"mdplane/internal/domain"
	"mdplane/internal/engine/auth"
)

func registerFiles(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-file",
		Method:        http.MethodPost,
		Path:          "/k/{key}/files",
		Summary:       "Create file",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body CreateFileRequest
	}) (*okOutput[FileData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := auth.CheckPath(c, input.Body.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		f, err := s.engine.CreateFile(ctx, c.WorkspaceID, p, input.Body.Content, actor(c))
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(fileData(f)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-file",
		Method:      http.MethodGet,
		Path:        "/k/{key}/files",
		Summary:     "Read file",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Path string `query:"path"`
	}) (*okOutput[FileData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := filePath(c, input.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		f, err := s.engine.GetFile(ctx, c.WorkspaceID, p)
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(fileData(f)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-file",
		Method:      http.MethodPut,
		Path:        "/k/{key}/files",
		Summary:     "Replace file content",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Path string `query:"path"`
		Body UpdateFileRequest
	}) (*okOutput[FileData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := filePath(c, input.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		f, err := s.engine.UpdateFile(ctx, c.WorkspaceID, p, input.Body.Content, actor(c))
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(fileData(f)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-file",
		Method:      http.MethodDelete,
		Path:        "/k/{key}/files",
		Summary:     "Delete file and its append log",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Path string `query:"path"`
	}) (*okOutput[DeletedData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := filePath(c, input.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		if err := s.engine.DeleteFile(ctx, c.WorkspaceID, p, actor(c)); err != nil {
			return nil, s.handleError(err)
		}
		return ok(DeletedData{Path: p, Deleted: true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-folder",
		Method:        http.MethodPost,
		Path:          "/k/{key}/folders",
		Summary:       "Create folder",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body CreateFolderRequest
	}) (*okOutput[FolderData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := auth.CheckPath(c, input.Body.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		f, err := s.engine.CreateFolder(ctx, c.WorkspaceID, p, actor(c))
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(FolderData{Path: f.Path, CreatedAt: f.CreatedAt}), nil
	})
}
